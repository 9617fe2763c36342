package template

import (
	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// StackDiff lists, by service name, what changed between two rendered stack
// definitions. Upgrades replace only the Changed and Added services and tear
// down the Removed ones; Unchanged services are left untouched.
type StackDiff struct {
	Added     []string
	Removed   []string
	Changed   []string
	Unchanged []string
}

// Empty reports whether the two definitions are service-for-service equal.
func (d *StackDiff) Empty() bool {
	return len(d.Added) == 0 && len(d.Removed) == 0 && len(d.Changed) == 0
}

// Touched returns the union of Added and Changed, in the startup order of
// the next definition.
func (d *StackDiff) Touched() []string {
	out := make([]string, 0, len(d.Added)+len(d.Changed))
	out = append(out, d.Added...)
	out = append(out, d.Changed...)
	return out
}

// Diff compares two rendered definitions service by service. A service is
// Changed when anything about its container definition differs: image,
// command, env, volumes, probe or resource limits.
func Diff(current, next *StackDefinition) *StackDiff {
	d := &StackDiff{}
	curByName := make(map[string]*ServiceDefinition, len(current.Services))
	for i := range current.Services {
		curByName[current.Services[i].Name] = &current.Services[i]
	}
	nextNames := make(map[string]bool, len(next.Services))
	for i := range next.Services {
		svc := &next.Services[i]
		nextNames[svc.Name] = true
		cur, ok := curByName[svc.Name]
		if !ok {
			d.Added = append(d.Added, svc.Name)
			continue
		}
		if serviceEqual(cur, svc) {
			d.Unchanged = append(d.Unchanged, svc.Name)
		} else {
			d.Changed = append(d.Changed, svc.Name)
		}
	}
	for _, svc := range current.Services {
		if !nextNames[svc.Name] {
			d.Removed = append(d.Removed, svc.Name)
		}
	}
	return d
}

func serviceEqual(a, b *ServiceDefinition) bool {
	aj, err := json.Marshal(a)
	if err != nil {
		return false
	}
	bj, err := json.Marshal(b)
	if err != nil {
		return false
	}
	return string(aj) == string(bj)
}
