// Package services holds the fixed addressing of the bus objects this client
// talks to, plus builders for the calls it makes on them.
//
// The table is built once at package init and never mutated.
package services

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/danmuck/sigbus/internal/protocol/wire"
	"github.com/danmuck/sigbus/internal/router"
)

var ErrUnknownService = errors.New("services: unknown service")

const (
	NameSignal        = "Signal"
	NameDBus          = "DBus"
	NameStats         = "Stats"
	NameMonitoring    = "Monitoring"
	NameIntrospection = "Introspectable"
)

// Service is the addressing for one remote object.
type Service struct {
	Name      string
	BusName   string
	Path      wire.ObjectPath
	Interface string
}

// Call builds a method call on the service.
func (s Service) Call(member string, sig wire.Signature, body ...any) *wire.Message {
	return wire.NewMethodCall(s.BusName, s.Path, s.Interface, member, sig, body...)
}

// Rule builds a signal rule for member. An empty sender falls back to the
// service's bus name; callers pass the resolved unique owner when known.
func (s Service) Rule(sender, member string) router.MatchRule {
	if sender == "" {
		sender = s.BusName
	}
	return router.MatchRule{
		Sender:    sender,
		Interface: s.Interface,
		Member:    member,
		Path:      s.Path,
	}
}

var (
	Signal = Service{
		Name:      NameSignal,
		BusName:   "org.asamk.Signal",
		Path:      "/org/asamk/Signal",
		Interface: "org.asamk.Signal",
	}
	DBus = Service{
		Name:      NameDBus,
		BusName:   "org.freedesktop.DBus",
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus",
	}
	Stats = Service{
		Name:      NameStats,
		BusName:   "org.freedesktop.DBus",
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus.Debug.Stats",
	}
	Monitoring = Service{
		Name:      NameMonitoring,
		BusName:   "org.freedesktop.DBus",
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus.Monitoring",
	}
	Introspection = Service{
		Name:      NameIntrospection,
		BusName:   "org.freedesktop.DBus",
		Path:      "/org/freedesktop/DBus",
		Interface: "org.freedesktop.DBus.Introspectable",
	}
)

var table = newTable(Signal, DBus, Stats, Monitoring, Introspection)

type serviceTable struct {
	byName map[string]Service
	names  []string
}

func newTable(list ...Service) serviceTable {
	t := serviceTable{byName: make(map[string]Service, len(list))}
	for _, svc := range list {
		t.byName[strings.ToLower(svc.Name)] = svc
		t.names = append(t.names, svc.Name)
	}
	sort.Strings(t.names)
	return t
}

// Lookup returns the service registered under name, ignoring case.
func Lookup(name string) (Service, error) {
	svc, ok := table.byName[strings.ToLower(strings.TrimSpace(name))]
	if !ok {
		return Service{}, fmt.Errorf("%w: %q", ErrUnknownService, name)
	}
	return svc, nil
}

// Names returns the registered service names in sorted order.
func Names() []string {
	return append([]string(nil), table.names...)
}
