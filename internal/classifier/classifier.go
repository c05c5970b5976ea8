// internal/classifier/classifier.go
package classifier

import (
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// labels: classe do modelo -> tipo de alerta.
// Classe desconhecida que passou do threshold vira AlertSuspicious.
var labels = map[string]core.AlertType{
	"person":     core.AlertPerson,
	"car":        core.AlertVehicle,
	"truck":      core.AlertVehicle,
	"bus":        core.AlertVehicle,
	"motorcycle": core.AlertVehicle,
	"bicycle":    core.AlertVehicle,
	"fire":       core.AlertFire,
	"smoke":      core.AlertSmoke,
	"violence":   core.AlertViolence,
	"fight":      core.AlertViolence,
	"weapon":     core.AlertViolence,
	"knife":      core.AlertViolence,
	"gun":        core.AlertViolence,
	"intruder":   core.AlertIntrusion,
}

// AlertTypeFor devolve o tipo de alerta para uma classe detectada.
func AlertTypeFor(label string) core.AlertType {
	if t, ok := labels[normalize(label)]; ok {
		return t
	}
	return core.AlertSuspicious
}

// CameraContext é o que o classifier precisa saber da câmera.
type CameraContext struct {
	ID    string
	Label string
	// Janela própria da câmera; nil usa a janela padrão do deploy
	Window *core.ActiveWindow
	// JPEG do frame, anexado ao evento
	Snapshot []byte
}

type Classifier struct {
	window *core.ActiveWindow
	loc    *time.Location
	rules  map[string]core.ThreatRule
	newID  func() string
}

// New cria o classifier. defaultWindow nil = alerta o dia todo.
// rules é opcional; classe sem regra segue a tabela de labels e alerta.
func New(defaultWindow *core.ActiveWindow, loc *time.Location, rules ...core.ThreatRule) *Classifier {
	if loc == nil {
		loc = time.Local
	}
	c := &Classifier{
		window: defaultWindow,
		loc:    loc,
		rules:  make(map[string]core.ThreatRule, len(rules)),
		newID:  uuid.NewString,
	}
	for _, r := range rules {
		c.rules[normalize(r.Label)] = r
	}
	return c
}

func normalize(label string) string {
	return strings.ToLower(strings.TrimSpace(label))
}

// Rule devolve a regra da classe, se houver.
func (c *Classifier) Rule(label string) (core.ThreatRule, bool) {
	r, ok := c.rules[normalize(label)]
	return r, ok
}

// alerting filtra as detecções pelas regras por classe: abaixo do
// min_confidence da regra, IGNORE, LOW ou MEDIUM sem should_alert saem.
func (c *Classifier) alerting(dets []core.Detection) []core.Detection {
	if len(c.rules) == 0 {
		return dets
	}
	out := make([]core.Detection, 0, len(dets))
	for _, d := range dets {
		r, ok := c.Rule(d.Label)
		if !ok {
			out = append(out, d)
			continue
		}
		if d.Confidence < r.MinConfidence || !r.Alerts() {
			continue
		}
		out = append(out, d)
	}
	return out
}

// severityFor: a da regra, ou MEDIUM para classe sem regra.
func (c *Classifier) severityFor(label string) core.Severity {
	if r, ok := c.Rule(label); ok {
		return r.Severity
	}
	return core.SeverityMedium
}

// WindowFor resolve a janela efetiva: a da câmera ganha da padrão.
func (c *Classifier) WindowFor(cam CameraContext) *core.ActiveWindow {
	if cam.Window != nil {
		return cam.Window
	}
	return c.window
}

// Classify transforma as detecções de um frame em no máximo um ThreatEvent.
// nil = nada a alertar neste frame (caso comum).
func (c *Classifier) Classify(dets []core.Detection, cam CameraContext, now time.Time) *core.ThreatEvent {
	if len(dets) == 0 {
		return nil
	}
	if w := c.WindowFor(cam); w != nil && !w.Contains(now.In(c.loc)) {
		return nil
	}
	if dets = c.alerting(dets); len(dets) == 0 {
		return nil
	}

	best := dets[0]
	for _, d := range dets[1:] {
		if d.Confidence > best.Confidence {
			best = d
		}
	}
	alertType := AlertTypeFor(best.Label)

	seen := make(map[string]bool, len(dets))
	var names []string
	for _, d := range dets {
		if !seen[d.Label] {
			seen[d.Label] = true
			names = append(names, d.Label)
		}
	}

	desc := fmt.Sprintf("%s detected (confidence %.2f)", best.Label, best.Confidence)
	if others := len(dets) - 1; others == 1 {
		desc += " + 1 other object"
	} else if others > 1 {
		desc += fmt.Sprintf(" + %d other objects", others)
	}

	return &core.ThreatEvent{
		EventID:     c.newID(),
		CameraID:    cam.ID,
		CameraLabel: cam.Label,
		AlertType:   alertType,
		Severity:    c.severityFor(best.Label),
		Confidence:  best.Confidence,
		Timestamp:   now,
		Description: desc,
		Labels:      names,
		Snapshot:    cam.Snapshot,
	}
}
