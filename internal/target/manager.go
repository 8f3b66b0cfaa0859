package target

import (
	"sort"
	"strings"

	apierrors "github.com/wikimedia/mediawiki-extensions-ContentTransfer/internal/errors"
)

// Manager holds the configured targets by key.
type Manager struct {
	targets map[string]*Target
	keys    []string
}

// NewManager validates and indexes the configured targets.
func NewManager(specs map[string]Spec) (*Manager, error) {
	m := &Manager{targets: make(map[string]*Target, len(specs))}
	for key, spec := range specs {
		t, err := New(key, spec)
		if err != nil {
			return nil, err
		}
		m.targets[t.Key()] = t
		m.keys = append(m.keys, t.Key())
	}
	sort.Strings(m.keys)
	return m, nil
}

// Get returns the target with the given key.
func (m *Manager) Get(key string) (*Target, error) {
	t, ok := m.targets[strings.TrimSpace(key)]
	if !ok {
		return nil, apierrors.New(apierrors.KindInvalidTarget, "target "+key+" was not found")
	}
	return t, nil
}

// Keys returns the target keys in sorted order.
func (m *Manager) Keys() []string {
	return append([]string(nil), m.keys...)
}

// ForClient returns every target without its credentials.
func (m *Manager) ForClient() map[string]ClientView {
	out := make(map[string]ClientView, len(m.targets))
	for key, t := range m.targets {
		out[key] = t.ForClient()
	}
	return out
}

// ParseSelection resolves a target list such as "staging=Bot1,prod". A user
// after "=" selects the login user of that target; otherwise the first
// configured user is used. Duplicate keys keep their first position.
func (m *Manager) ParseSelection(selection string) ([]*Target, error) {
	var out []*Target
	seen := make(map[string]bool)
	for _, part := range strings.Split(selection, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		key, user, hasUser := strings.Cut(part, "=")
		t, err := m.Get(key)
		if err != nil {
			return nil, err
		}
		if hasUser && strings.TrimSpace(user) != "" {
			if t, err = t.WithUser(user); err != nil {
				return nil, err
			}
		}
		if seen[t.Key()] {
			continue
		}
		seen[t.Key()] = true
		out = append(out, t)
	}
	if len(out) == 0 {
		return nil, apierrors.NewValidationError("targets", selection, "no targets specified")
	}
	return out, nil
}
