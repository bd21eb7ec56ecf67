// Package stats implements lightweight diagnostic counters, adapted
// from Biscuit's Counter_t/Stats2String: a reflection-based dump
// of every counter field on a struct.
//
// Biscuit gated every counter behind build-time Stats/Timing
// consts and measured elapsed cycles via runtime.Rdtsc(), a patched
// Go-runtime hook unavailable here. This rewrite keeps the counter
// shape but drops the toggles — counters are always live — and
// measures Cycles_t in wall-clock time.Duration instead of CPU
// cycles, so pfa.Allocator can expose real
// allocation/free counts through cmd/kernelsim without a build
// tag flipping them on.
package stats

import (
	"reflect"
	"strconv"
	"strings"
	"sync/atomic"
	"time"
)

// / Counter_t is a statistical counter, incremented from any goroutine.
type Counter_t int64

// / Inc increments the counter by one.
func (c *Counter_t) Inc() {
	atomic.AddInt64((*int64)(c), 1)
}

// / Add increments the counter by n.
func (c *Counter_t) Add(n int64) {
	atomic.AddInt64((*int64)(c), n)
}

// / Cycles_t accumulates elapsed wall-clock time, the hosted-Go
// / substitute for Biscuit's TSC-cycle accumulator.
type Cycles_t int64

// / Since adds the duration elapsed since start to the accumulator.
func (c *Cycles_t) Since(start time.Time) {
	atomic.AddInt64((*int64)(c), int64(time.Since(start)))
}

// / Stats2String renders every Counter_t/Cycles_t field of st (a
// / struct, passed by value or pointer) as a human-readable report, the
// / same field-name-keyed dump Biscuit's function produced.
func Stats2String(st interface{}) string {
	v := reflect.ValueOf(st)
	for v.Kind() == reflect.Ptr {
		v = v.Elem()
	}
	var b strings.Builder
	for i := 0; i < v.NumField(); i++ {
		t := v.Field(i).Type().String()
		name := v.Type().Field(i).Name
		switch {
		case strings.HasSuffix(t, "Counter_t"):
			n := v.Field(i).Interface().(Counter_t)
			b.WriteString("\n\t#" + name + ": " + strconv.FormatInt(int64(n), 10))
		case strings.HasSuffix(t, "Cycles_t"):
			n := v.Field(i).Interface().(Cycles_t)
			b.WriteString("\n\t#" + name + ": " + time.Duration(n).String())
		}
	}
	b.WriteString("\n")
	return b.String()
}
