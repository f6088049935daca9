package agenttype

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strconv"
	"strings"

	"github.com/KafClaw/KafMesh/internal/topology"
)

// MetaHops counts router forwards so a message cannot circle forever.
const MetaHops = "hops"

const maxHops = 8

// constructors is the static registration table. Metadata for each tag
// lives in catalog.yaml.
var constructors = map[string]Constructor{
	"dynamic":          newGeneric("dynamic"),
	"generic":          newGeneric("generic"),
	"router":           newRouter,
	"house_battery":    newBattery,
	"pv_panels":        newPVPanels,
	"ev_charger":       newEVCharger,
	"price_forecaster": newPriceForecaster,
	"critical_monitor": newCriticalMonitor,
}

func newGeneric(typ string) Constructor {
	return func(d Deps) Agent {
		return newBase(d, typ)
	}
}

// ---------------------------------------------------------------------------
// router
// ---------------------------------------------------------------------------

type router struct {
	*base
	send     SendFunc
	outgoing func(string) []topology.Edge
}

func newRouter(d Deps) Agent {
	return &router{base: newBase(d, "router"), send: d.Send, outgoing: d.Outgoing}
}

// HandleMessage forwards to every NORMAL outgoing edge.
func (r *router) HandleMessage(ctx context.Context, content string, meta map[string]any) error {
	r.record(content)
	if r.send == nil || r.outgoing == nil {
		return nil
	}
	hops := hopsOf(meta)
	if hops >= maxHops {
		slog.Warn("Router dropped message: hop limit", "router", r.name, "hops", hops)
		return nil
	}
	var errs []error
	for _, e := range r.outgoing(r.name) {
		if e.State != topology.StateNormal {
			continue
		}
		fwd := cloneMeta(meta)
		fwd[MetaHops] = hops + 1
		if err := r.send(ctx, r.name, e.To, content, fwd); err != nil {
			errs = append(errs, fmt.Errorf("forward to %s: %w", e.To, err))
		}
	}
	return errors.Join(errs...)
}

func hopsOf(meta map[string]any) int {
	switch v := meta[MetaHops].(type) {
	case int:
		return v
	case float64:
		return int(v)
	}
	return 0
}

func cloneMeta(meta map[string]any) map[string]any {
	out := make(map[string]any, len(meta)+1)
	for k, v := range meta {
		out[k] = v
	}
	return out
}

// ---------------------------------------------------------------------------
// house_battery
// ---------------------------------------------------------------------------

type battery struct {
	*base
	sizeKWh  float64
	powerKW  float64
	stateKWh float64
}

func newBattery(d Deps) Agent {
	return &battery{base: newBase(d, "house_battery"), sizeKWh: 10, powerKW: 5, stateKWh: 5}
}

// HandleMessage understands "charge <kwh>" and "discharge <kwh>". Amounts are
// clamped to the power rating and the capacity.
func (b *battery) HandleMessage(_ context.Context, content string, _ map[string]any) error {
	b.record(content)
	verb, amount, ok := parseCommand(content)
	if !ok {
		return nil
	}
	amount = math.Min(amount, b.powerKW)
	b.mu.Lock()
	defer b.mu.Unlock()
	switch verb {
	case "charge":
		b.stateKWh = math.Min(b.sizeKWh, b.stateKWh+amount)
	case "discharge":
		b.stateKWh = math.Max(0, b.stateKWh-amount)
	}
	return nil
}

func (b *battery) Describe() map[string]any {
	info := b.base.Describe()
	b.mu.Lock()
	defer b.mu.Unlock()
	info["size_kwh"] = b.sizeKWh
	info["power_kw"] = b.powerKW
	info["state_kwh"] = b.stateKWh
	return info
}

// ---------------------------------------------------------------------------
// pv_panels
// ---------------------------------------------------------------------------

type pvPanels struct {
	*base
	outputKW float64
}

func newPVPanels(d Deps) Agent {
	return &pvPanels{base: newBase(d, "pv_panels")}
}

func (p *pvPanels) HandleMessage(_ context.Context, content string, _ map[string]any) error {
	p.record(content)
	if verb, kw, ok := parseCommand(content); ok && verb == "output" {
		p.mu.Lock()
		p.outputKW = math.Max(0, kw)
		p.mu.Unlock()
	}
	return nil
}

func (p *pvPanels) Describe() map[string]any {
	info := p.base.Describe()
	p.mu.Lock()
	defer p.mu.Unlock()
	info["output_kw"] = p.outputKW
	return info
}

// ---------------------------------------------------------------------------
// ev_charger
// ---------------------------------------------------------------------------

type evCharger struct {
	*base
	plugged bool
}

func newEVCharger(d Deps) Agent {
	return &evCharger{base: newBase(d, "ev_charger")}
}

func (e *evCharger) HandleMessage(_ context.Context, content string, _ map[string]any) error {
	e.record(content)
	switch strings.ToLower(strings.TrimSpace(content)) {
	case "plug", "plugged":
		e.mu.Lock()
		e.plugged = true
		e.mu.Unlock()
	case "unplug", "unplugged":
		e.mu.Lock()
		e.plugged = false
		e.mu.Unlock()
	}
	return nil
}

func (e *evCharger) Describe() map[string]any {
	info := e.base.Describe()
	e.mu.Lock()
	defer e.mu.Unlock()
	info["plugged"] = e.plugged
	return info
}

// ---------------------------------------------------------------------------
// price_forecaster
// ---------------------------------------------------------------------------

type priceForecaster struct {
	*base
}

func newPriceForecaster(d Deps) Agent {
	return &priceForecaster{base: newBase(d, "price_forecaster")}
}

func (p *priceForecaster) Describe() map[string]any {
	info := p.base.Describe()
	hours := make([]float64, 24)
	for i := range hours {
		hours[i] = float64(i)
	}
	info["forecast"] = SinusoidalPrices(hours, 50, 10, 24, 0)
	return info
}

// SinusoidalPrices returns base + amplitude*sin(2π/period*t + phase) for each t.
func SinusoidalPrices(t []float64, basePrice, amplitude, period, phase float64) []float64 {
	omega := 2 * math.Pi / period
	out := make([]float64, len(t))
	for i, ti := range t {
		out[i] = basePrice + amplitude*math.Sin(omega*ti+phase)
	}
	return out
}

// ---------------------------------------------------------------------------
// critical_monitor
// ---------------------------------------------------------------------------

type criticalMonitor struct {
	*base
	onCritical func(string, map[string]any) bool
	fired      int
}

func newCriticalMonitor(d Deps) Agent {
	return &criticalMonitor{base: newBase(d, "critical_monitor"), onCritical: d.OnCritical}
}

func (c *criticalMonitor) HandleMessage(_ context.Context, content string, meta map[string]any) error {
	c.record(content)
	if c.onCritical != nil && c.onCritical(content, meta) {
		c.mu.Lock()
		c.fired++
		c.mu.Unlock()
	}
	return nil
}

func (c *criticalMonitor) Describe() map[string]any {
	info := c.base.Describe()
	c.mu.Lock()
	defer c.mu.Unlock()
	info["triggers_fired"] = c.fired
	return info
}

// parseCommand splits "verb <number>" messages.
func parseCommand(content string) (string, float64, bool) {
	fields := strings.Fields(strings.ToLower(content))
	if len(fields) != 2 {
		return "", 0, false
	}
	n, err := strconv.ParseFloat(fields[1], 64)
	if err != nil || n < 0 {
		return "", 0, false
	}
	return fields[0], n, true
}
