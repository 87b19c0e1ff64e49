package decision

import (
	"errors"
	"fmt"
	"strings"

	"github.com/serverledge-faas/offloadge/internal/history"
	"github.com/serverledge-faas/offloadge/internal/metrics"
)

// UserChoice pins the execution location for the whole process.
type UserChoice string

const (
	LOCAL   UserChoice = "LOCAL"
	REMOTE  UserChoice = "REMOTE"
	DYNAMIC UserChoice = "DYNAMIC"
)

var ErrUnknownChoice = errors.New("unknown execution choice")

func ParseChoice(s string) (UserChoice, error) {
	switch c := UserChoice(strings.ToUpper(strings.TrimSpace(s))); c {
	case LOCAL, REMOTE, DYNAMIC:
		return c, nil
	case "":
		return DYNAMIC, nil
	default:
		return DYNAMIC, fmt.Errorf("%w: %s", ErrUnknownChoice, s)
	}
}

// Policy selects the location of a single call.
type Policy interface {
	Choice() UserChoice
	Decide(app string, method string, ulRate int64, dlRate int64) history.Location
}

type LocalOnlyPolicy struct{}

func (p *LocalOnlyPolicy) Choice() UserChoice { return LOCAL }

func (p *LocalOnlyPolicy) Decide(app string, method string, ulRate int64, dlRate int64) history.Location {
	metrics.AddDecision(method, string(history.LOCAL))
	return history.LOCAL
}

type RemoteOnlyPolicy struct{}

func (p *RemoteOnlyPolicy) Choice() UserChoice { return REMOTE }

func (p *RemoteOnlyPolicy) Decide(app string, method string, ulRate int64, dlRate int64) history.Location {
	metrics.AddDecision(method, string(history.REMOTE))
	return history.REMOTE
}

// DynamicPolicy delegates to the history-based Engine.
type DynamicPolicy struct {
	engine *Engine
}

func (p *DynamicPolicy) Choice() UserChoice { return DYNAMIC }

func (p *DynamicPolicy) Decide(app string, method string, ulRate int64, dlRate int64) history.Location {
	loc := p.engine.Decide(app, method, ulRate, dlRate)
	metrics.AddDecision(method, string(loc))
	return loc
}

func NewPolicy(choice UserChoice, store *history.Store) Policy {
	switch choice {
	case LOCAL:
		return &LocalOnlyPolicy{}
	case REMOTE:
		return &RemoteOnlyPolicy{}
	default:
		return &DynamicPolicy{engine: NewEngine(store)}
	}
}
