// internal/sampler/sampler.go
package sampler

// Sampler decide quais frames vão para a detecção: um a cada N,
// contando a partir do último Reset (o worker reseta a cada reconexão).
// Não é seguro para uso concorrente; cada worker tem o seu.
type Sampler struct {
	every int
	count uint64
}

func New(every int) *Sampler {
	if every < 1 {
		every = 1
	}
	return &Sampler{every: every}
}

// Admit conta mais um frame e diz se ele deve ser processado.
func (s *Sampler) Admit() bool {
	s.count++
	return s.count%uint64(s.every) == 0
}

func (s *Sampler) Reset() {
	s.count = 0
}

func (s *Sampler) Every() int {
	return s.every
}
