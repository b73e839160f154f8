// Package metrics collects HTTP and router counters and renders them in the
// Prometheus text exposition format.
package metrics

import (
	"fmt"
	"io"
	"sort"
	"strconv"
	"strings"
	"sync"
)

const labelSep = "\xff"

// family 是一组同名指标，按注册顺序输出。
type family interface {
	write(w io.Writer)
}

var (
	familiesMu sync.Mutex
	families   []family
)

func register[F family](f F) F {
	familiesMu.Lock()
	families = append(families, f)
	familiesMu.Unlock()
	return f
}

func writeAll(w io.Writer) {
	familiesMu.Lock()
	list := append([]family(nil), families...)
	familiesMu.Unlock()
	for _, f := range list {
		f.write(w)
	}
}

type meta struct {
	name   string
	help   string
	kind   string
	labels []string
}

func (m meta) header(w io.Writer) {
	fmt.Fprintf(w, "# HELP %s %s\n# TYPE %s %s\n", m.name, m.help, m.name, m.kind)
}

// series 渲染 name{label="value",...}，extra 追加在末尾（如 le）。
func (m meta) series(suffix, key string, extra ...string) string {
	var b strings.Builder
	b.WriteString(m.name)
	b.WriteString(suffix)
	pairs := make([]string, 0, len(m.labels)+len(extra)/2)
	if len(m.labels) > 0 {
		for i, v := range strings.Split(key, labelSep) {
			pairs = append(pairs, m.labels[i]+"=\""+escape(v)+"\"")
		}
	}
	for i := 0; i+1 < len(extra); i += 2 {
		pairs = append(pairs, extra[i]+"=\""+escape(extra[i+1])+"\"")
	}
	if len(pairs) > 0 {
		b.WriteString("{" + strings.Join(pairs, ",") + "}")
	}
	return b.String()
}

func (m meta) key(values []string) string {
	if len(values) != len(m.labels) {
		panic(fmt.Sprintf("metrics: %s expects %d labels, got %d", m.name, len(m.labels), len(values)))
	}
	return strings.Join(values, labelSep)
}

// counterVec 是按标签区分的单调计数器。
type counterVec struct {
	meta
	mu     sync.Mutex
	values map[string]uint64
}

func newCounterVec(name, help string, labels ...string) *counterVec {
	return register(&counterVec{meta: meta{name: name, help: help, kind: "counter", labels: labels}, values: make(map[string]uint64)})
}

func (c *counterVec) add(delta uint64, labels ...string) {
	k := c.key(labels)
	c.mu.Lock()
	c.values[k] += delta
	c.mu.Unlock()
}

func (c *counterVec) inc(labels ...string) { c.add(1, labels...) }

// preset 预先登记固定的标签组合，使其在未观测时也输出 0。
func (c *counterVec) preset(labels ...string) *counterVec {
	c.add(0, labels...)
	return c
}

func (c *counterVec) write(w io.Writer) {
	c.header(w)
	c.mu.Lock()
	defer c.mu.Unlock()
	for _, k := range sortedKeys(c.values) {
		fmt.Fprintf(w, "%s %d\n", c.series("", k), c.values[k])
	}
}

// gauge 是无标签的瞬时值。
type gauge struct {
	meta
	mu    sync.Mutex
	value int64
}

func newGauge(name, help string) *gauge {
	return register(&gauge{meta: meta{name: name, help: help, kind: "gauge"}})
}

func (g *gauge) set(v int64) {
	g.mu.Lock()
	g.value = v
	g.mu.Unlock()
}

func (g *gauge) write(w io.Writer) {
	g.header(w)
	g.mu.Lock()
	defer g.mu.Unlock()
	fmt.Fprintf(w, "%s %d\n", g.name, g.value)
}

type bucketCounts struct {
	counts []uint64
	sum    float64
	count  uint64
}

// histogramVec 是累积桶直方图，超出最后一个桶的值只计入 +Inf。
type histogramVec struct {
	meta
	bounds []float64
	mu     sync.Mutex
	values map[string]*bucketCounts
}

func newHistogramVec(name, help string, bounds []float64, labels ...string) *histogramVec {
	return register(&histogramVec{
		meta:   meta{name: name, help: help, kind: "histogram", labels: labels},
		bounds: bounds,
		values: make(map[string]*bucketCounts),
	})
}

func (h *histogramVec) observe(value float64, labels ...string) {
	k := h.key(labels)
	h.mu.Lock()
	defer h.mu.Unlock()
	b := h.values[k]
	if b == nil {
		b = &bucketCounts{counts: make([]uint64, len(h.bounds))}
		h.values[k] = b
	}
	b.count++
	b.sum += value
	for i, bound := range h.bounds {
		if value <= bound {
			b.counts[i]++
		}
	}
}

func (h *histogramVec) write(w io.Writer) {
	h.header(w)
	h.mu.Lock()
	defer h.mu.Unlock()
	for _, k := range sortedKeys(h.values) {
		b := h.values[k]
		for i, bound := range h.bounds {
			fmt.Fprintf(w, "%s %d\n", h.series("_bucket", k, "le", formatFloat(bound)), b.counts[i])
		}
		fmt.Fprintf(w, "%s %d\n", h.series("_bucket", k, "le", "+Inf"), b.count)
		fmt.Fprintf(w, "%s %s\n", h.series("_sum", k), formatFloat(b.sum))
		fmt.Fprintf(w, "%s %d\n", h.series("_count", k), b.count)
	}
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func escape(value string) string {
	value = strings.ReplaceAll(value, "\\", "\\\\")
	value = strings.ReplaceAll(value, "\"", "\\\"")
	value = strings.ReplaceAll(value, "\n", "")
	return value
}

func formatFloat(value float64) string {
	return strconv.FormatFloat(value, 'f', -1, 64)
}
