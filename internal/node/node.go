package node

import (
	"errors"
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"runtime"
	"strconv"
	"strings"
	"time"

	"github.com/lithammer/shortuuid"
	"github.com/mikoim/go-loadavg"
)

const clientIDFileName = "client-id"

var InvalidClientIDErr = errors.New("invalid client identifier file")

type NodeID struct {
	Area string
	Key  string
}

func (n NodeID) String() string {
	return fmt.Sprintf("(%s)%s", n.Area, n.Key)
}

func NewIdentifier(area string) NodeID {
	id := shortuuid.New() + strconv.FormatInt(time.Now().UnixNano(), 10)
	return NodeID{Area: area, Key: id}
}

// ClientID returns the stable numeric identity of this client installation.
// The value is generated once and persisted in dataDir.
func ClientID(dataDir string) (uint64, error) {
	path := filepath.Join(dataDir, clientIDFileName)
	content, err := os.ReadFile(path)
	if err == nil {
		id, perr := strconv.ParseUint(strings.TrimSpace(string(content)), 10, 64)
		if perr != nil || id == 0 {
			return 0, fmt.Errorf("%w: %s", InvalidClientIDErr, path)
		}
		return id, nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}

	h := fnv.New64a()
	_, _ = h.Write([]byte(shortuuid.New()))
	id := h.Sum64()
	if id == 0 {
		id = 1
	}

	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return 0, err
	}
	if err := os.WriteFile(path, []byte(strconv.FormatUint(id, 10)), 0o644); err != nil {
		return 0, err
	}
	return id, nil
}

// Status describes the host a clone runs on.
type Status struct {
	Node     string
	CPUs     int
	LoadAvg  []float64
	Uptime   float64
	Routines int
}

var startTime = time.Now()

func CurrentStatus(id NodeID) Status {
	loadAvgValues := []float64{-1, -1, -1}
	if avg, err := loadavg.Parse(); err == nil {
		loadAvgValues = []float64{avg.LoadAverage1, avg.LoadAverage5, avg.LoadAverage10}
	}

	return Status{
		Node:     id.String(),
		CPUs:     runtime.NumCPU(),
		LoadAvg:  loadAvgValues,
		Uptime:   time.Since(startTime).Seconds(),
		Routines: runtime.NumGoroutine(),
	}
}
