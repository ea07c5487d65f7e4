package registry

import (
	"fmt"
	"regexp"

	"github.com/Albaraazain/ald-control-system-phase-5-sub000/internal/db"
	"go.uber.org/zap"
)

var valveNamePattern = regexp.MustCompile(`(?i)valve\s*(\d+)`)

// Valve is a derived view over a binary parameter: its logical valve
// number and the coil parameter backing it.
type Valve struct {
	Number      int
	ParameterID string
}

// Valves returns the derived valve view: every binary parameter whose
// name matches /valve\s*(\d+)/i, OR — taking priority when present — an
// explicit valve_number column. Panics never occur on duplicate numbers;
// one of the parameters for a given number is kept (map iteration order
// decides which) and a warning is logged.
func (r *Registry) Valves() ([]Valve, error) {
	r.mu.RLock()
	params := make([]db.Parameter, 0, len(r.byID))
	for _, p := range r.byID {
		params = append(params, p)
	}
	r.mu.RUnlock()

	byNumber := make(map[int]Valve)
	for _, p := range params {
		if p.DataType != db.DataBinary {
			continue
		}

		var number int
		var matched bool

		if p.ValveNumber != nil {
			number = *p.ValveNumber
			matched = true
		} else if m := valveNamePattern.FindStringSubmatch(p.Name); m != nil {
			n, err := parseValveNumber(m[1])
			if err != nil {
				continue
			}
			number = n
			matched = true
		}

		if !matched {
			continue
		}

		if existing, ok := byNumber[number]; ok && existing.ParameterID != p.ID {
			r.log.Warn("duplicate valve number, keeping the later-iterated parameter",
				zap.Int("valve_number", number))
		}
		byNumber[number] = Valve{Number: number, ParameterID: p.ID}
	}

	out := make([]Valve, 0, len(byNumber))
	for _, v := range byNumber {
		out = append(out, v)
	}
	return out, nil
}

// ValveByNumber resolves a logical valve number to its coil parameter.
func (r *Registry) ValveByNumber(number int) (db.Parameter, error) {
	valves, err := r.Valves()
	if err != nil {
		return db.Parameter{}, err
	}
	for _, v := range valves {
		if v.Number == number {
			p, ok := r.Get(v.ParameterID)
			if !ok {
				return db.Parameter{}, ErrNotFound
			}
			return p, nil
		}
	}
	return db.Parameter{}, fmt.Errorf("valve %d: %w", number, ErrNotFound)
}

func parseValveNumber(s string) (int, error) {
	var n int
	_, err := fmt.Sscanf(s, "%d", &n)
	return n, err
}
