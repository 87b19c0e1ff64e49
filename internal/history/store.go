package history

import (
	"fmt"
	"sync"
	"time"

	"github.com/serverledge-faas/offloadge/utils"
)

// MaxHistory is the number of records kept per method.
const MaxHistory = 50

type Location string

const (
	LOCAL  Location = "LOCAL"
	REMOTE Location = "REMOTE"
	// AnyLocation matches both locations in queries.
	AnyLocation Location = ""
)

// Record is one completed execution. Durations are nanoseconds.
type Record struct {
	AppName             string   `json:"appName"`
	MethodName          string   `json:"methodName"`
	Location            Location `json:"location"`
	NetworkType         string   `json:"networkType"`
	RTT                 int64    `json:"rtt"`
	UlRate              int64    `json:"ulRate"`
	DlRate              int64    `json:"dlRate"`
	ExecDuration        int64    `json:"execDuration"`
	PureExecDuration    int64    `json:"pureExecDuration"`
	PrepareDataDuration int64    `json:"prepareDataDuration"`
	Timestamp           int64    `json:"timestamp"`
}

func (r Record) String() string {
	return fmt.Sprintf("[%s.%s] %s in %v (ul=%d dl=%d)", r.AppName, r.MethodName, r.Location,
		time.Duration(r.ExecDuration), r.UlRate, r.DlRate)
}

// Store keeps the most recent MaxHistory records of every method.
type Store struct {
	mu      sync.Mutex
	methods map[string]*utils.Ring[Record]
	// appended to whenever a record is added, may be nil
	log *CSVLog
}

func NewStore() *Store {
	return &Store{methods: make(map[string]*utils.Ring[Record])}
}

// WithCSVLog mirrors every new record to the given log.
func (s *Store) WithCSVLog(l *CSVLog) *Store {
	s.mu.Lock()
	s.log = l
	s.mu.Unlock()
	return s
}

func (s *Store) Record(r Record) {
	if r.Timestamp == 0 {
		r.Timestamp = time.Now().UnixMilli()
	}

	s.mu.Lock()
	ring, found := s.methods[r.MethodName]
	if !found {
		ring = utils.NewRing[Record](MaxHistory)
		s.methods[r.MethodName] = ring
	}
	ring.Push(r)
	l := s.log
	s.mu.Unlock()

	if l != nil {
		l.Append(r)
	}
}

// HistoryFor returns the records of (app, method) at loc, newest first.
func (s *Store) HistoryFor(app string, method string, loc Location) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	result := make([]Record, 0)
	ring, found := s.methods[method]
	if !found {
		return result
	}
	ring.Each(func(r Record) bool {
		if r.AppName == app && (loc == AnyLocation || r.Location == loc) {
			result = append(result, r)
		}
		return true
	})
	return result
}

// RecentMixed returns the n most recent records of method regardless of app and location.
func (s *Store) RecentMixed(method string, n int) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, found := s.methods[method]
	if !found {
		return []Record{}
	}
	return ring.NewestFirst(n)
}

func (s *Store) CountFor(app string, method string, loc Location) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, found := s.methods[method]
	if !found {
		return 0
	}
	count := 0
	ring.Each(func(r Record) bool {
		if r.AppName == app && (loc == AnyLocation || r.Location == loc) {
			count++
		}
		return true
	})
	return count
}

// LastExecution returns the most recent record of method.
func (s *Store) LastExecution(method string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	ring, found := s.methods[method]
	if !found {
		return Record{}, false
	}
	return ring.Newest(0)
}

// Len returns the total number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	n := 0
	for _, ring := range s.methods {
		n += ring.Len()
	}
	return n
}

// snapshot copies the table, newest first per method.
func (s *Store) snapshot() map[string][]Record {
	s.mu.Lock()
	defer s.mu.Unlock()

	table := make(map[string][]Record, len(s.methods))
	for method, ring := range s.methods {
		table[method] = ring.NewestFirst(-1)
	}
	return table
}

// replace loads a newest-first table, keeping at most MaxHistory records per method.
func (s *Store) replace(table map[string][]Record) {
	methods := make(map[string]*utils.Ring[Record], len(table))
	for method, records := range table {
		ring := utils.NewRing[Record](MaxHistory)
		if len(records) > MaxHistory {
			records = records[:MaxHistory]
		}
		for i := len(records) - 1; i >= 0; i-- {
			ring.Push(records[i])
		}
		methods[method] = ring
	}

	s.mu.Lock()
	s.methods = methods
	s.mu.Unlock()
}
