// internal/registry/diff.go
package registry

import (
	"reflect"
	"slices"

	"github.com/sua-org/cam-sentinel/internal/core"
)

// Plan é o resultado de comparar o que roda com o que o backend quer.
type Plan struct {
	Spawn   []core.CameraDescriptor
	Stop    []string
	Restart []core.CameraDescriptor
	// mesma URI, só metadados (nome, janela) mudaram: não reconecta
	Update []core.CameraDescriptor
}

func (p Plan) Empty() bool {
	return len(p.Spawn) == 0 && len(p.Stop) == 0 && len(p.Restart) == 0 && len(p.Update) == 0
}

// Diff é puro: running (id -> descritor em execução) vs desired.
// id novo -> Spawn; id ausente -> Stop; URI mudou -> Restart.
// IDs repetidos em desired: vale o primeiro.
func Diff(running map[string]core.CameraDescriptor, desired []core.CameraDescriptor) Plan {
	var plan Plan
	want := make(map[string]bool, len(desired))

	for _, cam := range desired {
		if want[cam.ID] {
			continue
		}
		want[cam.ID] = true

		cur, ok := running[cam.ID]
		switch {
		case !ok:
			plan.Spawn = append(plan.Spawn, cam)
		case cur.StreamURI != cam.StreamURI:
			plan.Restart = append(plan.Restart, cam)
		case cur.Label != cam.Label || !reflect.DeepEqual(cur.ActiveWindow, cam.ActiveWindow):
			plan.Update = append(plan.Update, cam)
		}
	}

	for id := range running {
		if !want[id] {
			plan.Stop = append(plan.Stop, id)
		}
	}
	slices.Sort(plan.Stop)
	return plan
}
