package fitting

import (
	"fmt"
	"log/slog"

	"tiepoint/internal/config"
)

// Manager keeps the registered solvers and picks one per model.
type Manager struct {
	solvers   map[string]Solver
	order     []string
	preferred map[Model]string
}

// NewManager registers the in-process solvers and, when an executable is
// configured, the external homography solver. With prefer_external set the
// external solver wins whenever it is available.
func NewManager(cfg *config.FittingConfig, log *slog.Logger) *Manager {
	m := &Manager{solvers: make(map[string]Solver), preferred: make(map[Model]string)}
	if cfg == nil {
		cfg = &config.FittingConfig{}
	}

	m.Register(EuclideanSolver{Tolerance: cfg.DegenerateTolerance})
	m.Register(AffineSolver{RankTolerance: cfg.RankTolerance})
	m.Register(NativeHomography{RankTolerance: cfg.RankTolerance})

	if cfg.HomographyFitPath != "" {
		ext := NewExternalHomography(cfg.HomographyFitPath, cfg.TempDir, cfg.Timeout(), log)
		m.Register(ext)
		if cfg.PreferExternal {
			m.Prefer(ModelHomography, ext.Name())
		}
	}
	return m
}

// Register adds or replaces a solver.
func (m *Manager) Register(s Solver) {
	if s == nil {
		return
	}
	if _, exists := m.solvers[s.Name()]; !exists {
		m.order = append(m.order, s.Name())
	}
	m.solvers[s.Name()] = s
}

// Prefer makes name the first choice for model.
func (m *Manager) Prefer(model Model, name string) {
	m.preferred[model] = name
}

// Solvers exposes the registry.
func (m *Manager) Solvers() map[string]Solver {
	return m.solvers
}

// Names returns solver names in registration order.
func (m *Manager) Names() []string {
	return append([]string(nil), m.order...)
}

// Get returns a solver by name.
func (m *Manager) Get(name string) (Solver, error) {
	s, ok := m.solvers[name]
	if !ok {
		return nil, fmt.Errorf("%w: unknown solver %q", ErrInvalidInput, name)
	}
	if !s.IsAvailable() {
		return nil, fmt.Errorf("%w: %q", ErrUnavailable, name)
	}
	return s, nil
}

// Select picks the solver for model: the preferred one when available,
// otherwise the first available solver registered for it.
func (m *Manager) Select(model Model) (Solver, error) {
	if name, ok := m.preferred[model]; ok {
		if s, ok := m.solvers[name]; ok && s.IsAvailable() && s.Model() == model {
			return s, nil
		}
	}
	for _, name := range m.order {
		s := m.solvers[name]
		if s.Model() == model && s.IsAvailable() {
			return s, nil
		}
	}
	return nil, fmt.Errorf("%w: no solver for %s", ErrUnavailable, model)
}
