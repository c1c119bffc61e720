package coach

import "fmt"

// Personality is the coaching style the backend uses for advice.
type Personality string

const (
	Tactical   Personality = "tactical"
	Diplomatic Personality = "diplomatic"
	Socratic   Personality = "socratic"
	Aggressive Personality = "aggressive"
)

// Personalities lists every personality in cycle order.
var Personalities = []Personality{Tactical, Diplomatic, Socratic, Aggressive}

// ParsePersonality validates a personality name.
func ParsePersonality(s string) (Personality, error) {
	for _, p := range Personalities {
		if string(p) == s {
			return p, nil
		}
	}
	return "", fmt.Errorf("coach: unknown personality %q", s)
}

// Next returns the personality after p, wrapping around. Unknown values
// restart the cycle.
func (p Personality) Next() Personality {
	for i, q := range Personalities {
		if q == p {
			return Personalities[(i+1)%len(Personalities)]
		}
	}
	return Personalities[0]
}
