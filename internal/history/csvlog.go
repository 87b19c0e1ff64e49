package history

import (
	"encoding/csv"
	"errors"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"sync"
)

const CSVFileName = "offload-log.csv"

var csvHeader = []string{"#AppName", "MethodName", "ExecLocation", "NetType", "RTT", "UlRate", "DlRate",
	"PrepareDataDuration", "ExecDuration", "PureDuration", "LogRecordTime"}

// CSVLog appends every execution record to a CSV file.
type CSVLog struct {
	mu   sync.Mutex
	path string
}

// OpenCSVLog creates the file with its header if it does not exist.
func OpenCSVLog(dir string) (*CSVLog, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}
	path := filepath.Join(dir, CSVFileName)
	if _, err := os.Stat(path); errors.Is(err, os.ErrNotExist) {
		f, err := os.Create(path)
		if err != nil {
			return nil, err
		}
		w := csv.NewWriter(f)
		_ = w.Write(csvHeader)
		w.Flush()
		if err := errors.Join(w.Error(), f.Close()); err != nil {
			return nil, err
		}
	}
	return &CSVLog{path: path}, nil
}

func (l *CSVLog) Path() string {
	return l.path
}

func (l *CSVLog) Append(r Record) {
	l.mu.Lock()
	defer l.mu.Unlock()

	f, err := os.OpenFile(l.path, os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		log.Printf("Could not append to %s: %v", l.path, err)
		return
	}
	defer f.Close()

	w := csv.NewWriter(f)
	_ = w.Write([]string{
		r.AppName,
		r.MethodName,
		string(r.Location),
		r.NetworkType,
		strconv.FormatInt(r.RTT, 10),
		strconv.FormatInt(r.UlRate, 10),
		strconv.FormatInt(r.DlRate, 10),
		strconv.FormatInt(r.PrepareDataDuration, 10),
		strconv.FormatInt(r.ExecDuration, 10),
		strconv.FormatInt(r.PureExecDuration, 10),
		strconv.FormatInt(r.Timestamp, 10),
	})
	w.Flush()
	if err := w.Error(); err != nil {
		log.Printf("Could not append to %s: %v", l.path, err)
	}
}
