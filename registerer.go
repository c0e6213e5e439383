package nativeio

import (
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

// reusableRegistry is a wrapper on top of a prometheus registry that allows
// metrics to be registered multiple times. Every Config registers its own
// metrics, so configs sharing a registerer register the same collectors
// again. If a new collector with the same labels is registered, that metric
// is reset to 0.
type reusableRegistry struct {
	internalReg prometheus.Registerer

	protected struct {
		sync.Mutex
		registered map[string]struct{}
	}
}

var _ prometheus.Registerer = (*reusableRegistry)(nil)

func newReusableRegistry(reg prometheus.Registerer) *reusableRegistry {
	r := &reusableRegistry{
		internalReg: reg,
	}
	r.protected.registered = make(map[string]struct{})
	return r
}

var registries = struct {
	sync.Mutex
	m map[prometheus.Registerer]*reusableRegistry
}{m: map[prometheus.Registerer]*reusableRegistry{}}

// reusableRegistryFor returns the wrapper of reg, creating it on first use.
func reusableRegistryFor(reg prometheus.Registerer) *reusableRegistry {
	if r, ok := reg.(*reusableRegistry); ok {
		return r
	}
	registries.Lock()
	defer registries.Unlock()
	r, ok := registries.m[reg]
	if !ok {
		r = newReusableRegistry(reg)
		registries.m[reg] = r
	}
	return r
}

func (r *reusableRegistry) Register(c prometheus.Collector) error {
	desc := describe(c)

	r.protected.Lock()
	defer r.protected.Unlock()
	if _, ok := r.protected.registered[desc]; ok {
		_ = r.internalReg.Unregister(c)
	} else {
		r.protected.registered[desc] = struct{}{}
	}
	return r.internalReg.Register(c)
}

func (r *reusableRegistry) MustRegister(collectors ...prometheus.Collector) {
	for _, c := range collectors {
		if err := r.Register(c); err != nil {
			panic(err)
		}
	}
}

func (r *reusableRegistry) Unregister(c prometheus.Collector) bool {
	desc := describe(c)

	r.protected.Lock()
	defer r.protected.Unlock()
	delete(r.protected.registered, desc)
	return r.internalReg.Unregister(c)
}

func describe(c prometheus.Collector) string {
	d := make(chan *prometheus.Desc, 1)
	c.Describe(d)
	return (<-d).String()
}
