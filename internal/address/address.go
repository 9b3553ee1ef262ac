// Package address models the user-visible location (the browser address bar
// in the web app, a stored URL in promptctl) that one-time markers are
// stripped from.
package address

import (
	"net/url"
	"strings"
	"sync"
)

// Location is read and rewritten in place; Replace never navigates.
type Location interface {
	Current() *url.URL
	Replace(u *url.URL)
}

// Memory is a Location held in process.
type Memory struct {
	mu      sync.Mutex
	current *url.URL
	history []string
}

func NewMemory(raw string) (*Memory, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, err
	}
	return &Memory{current: u}, nil
}

func (m *Memory) Current() *url.URL {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current == nil {
		return &url.URL{}
	}
	u := *m.current
	return &u
}

func (m *Memory) Replace(u *url.URL) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.current != nil {
		m.history = append(m.history, m.current.String())
	}
	c := *u
	m.current = &c
}

// Set is a full navigation, as opposed to Replace.
func (m *Memory) Set(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.current = u
	m.history = nil
	return nil
}

// Replacements returns the URLs that were overwritten by Replace.
func (m *Memory) Replacements() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]string(nil), m.history...)
}

// Strip removes keys from the query and from a query-style fragment
// (#access_token=...). It reports whether anything was removed. Other
// parameters keep their values.
func Strip(u *url.URL, keys ...string) bool {
	if u == nil || len(keys) == 0 {
		return false
	}
	changed := false

	q := u.Query()
	for _, k := range keys {
		if _, ok := q[k]; ok {
			q.Del(k)
			changed = true
		}
	}
	if changed {
		u.RawQuery = q.Encode()
	}

	if u.Fragment != "" && strings.Contains(u.Fragment, "=") {
		frag, err := url.ParseQuery(u.Fragment)
		if err == nil {
			fragChanged := false
			for _, k := range keys {
				if _, ok := frag[k]; ok {
					frag.Del(k)
					fragChanged = true
				}
			}
			if fragChanged {
				u.Fragment = frag.Encode()
				u.RawFragment = ""
				changed = true
			}
		}
	}
	return changed
}

// Has reports whether any of keys is present in the query or fragment.
func Has(u *url.URL, keys ...string) bool {
	if u == nil {
		return false
	}
	q := u.Query()
	var frag url.Values
	if strings.Contains(u.Fragment, "=") {
		frag, _ = url.ParseQuery(u.Fragment)
	}
	for _, k := range keys {
		if q.Has(k) || frag.Has(k) {
			return true
		}
	}
	return false
}
