// Package engine owns the durable model of which proxy instances should
// exist and in what state, and drives the supervisor, port allocator,
// generators, and providers to make reality match it.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"syscall"
	"time"

	"github.com/google/uuid"

	"github.com/proxyfleet/proxyfleet/internal/artifacts"
	"github.com/proxyfleet/proxyfleet/internal/domain"
	"github.com/proxyfleet/proxyfleet/internal/metrics"
	"github.com/proxyfleet/proxyfleet/internal/ports"
	"github.com/proxyfleet/proxyfleet/internal/store"
	"github.com/proxyfleet/proxyfleet/internal/supervisor"
)

// ProcessSupervisor is the narrow contract the engine drives. The concrete
// implementation lives in internal/supervisor; tests substitute a fake.
type ProcessSupervisor interface {
	Spawn(name, binary string, args []string, stdoutPath, stderrPath string) error
	Terminate(name string, graceful os.Signal) error
	Status(name string) supervisor.Status
}

// Renderer turns an instance record into config file text. Must be
// deterministic so regeneration is idempotent.
type Renderer interface {
	Render(inst *domain.Instance) (string, error)
}

// CredentialProvider produces the auth file a forward proxy reads.
type CredentialProvider interface {
	EnsureCredentials(inst *domain.Instance) (string, error)
}

// CertificateProvider produces TLS key material for TLS-enabled instances.
type CertificateProvider interface {
	EnsureCertificate(inst *domain.Instance) error
}

// Prober runs advisory reachability checks. May be nil.
type Prober interface {
	CheckCoverDomain(ctx context.Context, inst *domain.Instance) error
	CheckForwardProxy(ctx context.Context, inst *domain.Instance) error
}

// Binaries maps each instance kind to its external executable.
type Binaries struct {
	Forward string
	Tunnel  string
}

// Engine is the lifecycle core. All mutations of desired state and all
// supervisor calls go through here.
type Engine struct {
	logger    *slog.Logger
	store     *store.Store
	ports     *ports.Allocator
	layout    *artifacts.Layout
	sup       ProcessSupervisor
	renderers map[domain.Kind]Renderer
	creds     CredentialProvider
	certs     CertificateProvider
	prober    Prober
	metrics   *metrics.Metrics
	binaries  Binaries

	// createMu serializes check-name -> allocate-port -> persist so two
	// concurrent creates cannot race onto the same name or port.
	createMu sync.Mutex

	// instMu serializes operations per instance name.
	instMu sync.Map // string -> *sync.Mutex

	// crashSeen tracks names already counted as crashed by the sweep.
	crashMu   sync.Mutex
	crashSeen map[string]bool
}

// Deps bundles the engine's collaborators.
type Deps struct {
	Store    *store.Store
	Ports    *ports.Allocator
	Layout   *artifacts.Layout
	Sup      ProcessSupervisor
	Forward  Renderer
	Tunnel   Renderer
	Creds    CredentialProvider
	Certs    CertificateProvider
	Prober   Prober
	Metrics  *metrics.Metrics
	Binaries Binaries
	Logger   *slog.Logger
}

func New(d Deps) *Engine {
	return &Engine{
		logger: d.Logger,
		store:  d.Store,
		ports:  d.Ports,
		layout: d.Layout,
		sup:    d.Sup,
		renderers: map[domain.Kind]Renderer{
			domain.KindForwardProxy: d.Forward,
			domain.KindTLSTunnel:    d.Tunnel,
		},
		creds:     d.Creds,
		certs:     d.Certs,
		prober:    d.Prober,
		metrics:   d.Metrics,
		binaries:  d.Binaries,
		crashSeen: make(map[string]bool),
	}
}

func (e *Engine) lock(name string) func() {
	v, _ := e.instMu.LoadOrStore(name, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// View is an instance record plus its derived observed state.
type View struct {
	domain.Instance
	Observed domain.ObservedState `json:"observed_state"`
}

func (e *Engine) view(inst *domain.Instance) *View {
	return &View{Instance: *inst, Observed: e.observed(inst.Name)}
}

func (e *Engine) observed(name string) domain.ObservedState {
	switch e.sup.Status(name) {
	case supervisor.StatusAlive:
		return domain.ObservedRunning
	case supervisor.StatusExited:
		return domain.ObservedCrashed
	default:
		return domain.ObservedStopped
	}
}

// CreateInput carries the create operation's request fields.
type CreateInput struct {
	Name    string
	Kind    domain.Kind
	Port    int // 0 means allocate
	Flags   domain.Flags
	Desired domain.DesiredState // default stopped
}

// Create allocates a port, generates all artifacts, and persists the record.
// Side effects either all complete or are all rolled back: on any failure the
// artifact directory is removed, no record exists, and the chosen port is
// free again (ports are only ever claimed through records).
func (e *Engine) Create(ctx context.Context, in CreateInput) (v *View, err error) {
	defer func() { e.metrics.RecordOperation("create", err) }()

	if err := domain.ValidateName(in.Name); err != nil {
		return nil, err
	}
	if !in.Kind.Valid() {
		return nil, domain.E(domain.ErrInvalidName, fmt.Sprintf("unknown kind %q", in.Kind))
	}

	e.createMu.Lock()
	inst, err := e.createLocked(in)
	e.createMu.Unlock()
	if err != nil {
		return nil, err
	}

	e.logger.Info("instance created",
		"instance", inst.Name,
		"kind", inst.Kind,
		"port", inst.ListenPort,
	)

	if e.prober != nil && inst.Kind == domain.KindTLSTunnel {
		// Advisory only: an unreachable cover domain is worth a warning,
		// not a failed create.
		_ = e.prober.CheckCoverDomain(ctx, inst)
	}

	if in.Desired == domain.DesiredRunning {
		return e.Start(ctx, inst.Name)
	}
	return e.view(inst), nil
}

// createLocked runs the name-check -> allocate -> generate -> persist
// sequence under the creation lock.
func (e *Engine) createLocked(in CreateInput) (*domain.Instance, error) {
	if e.store.Exists(in.Name) {
		return nil, domain.E(domain.ErrAlreadyExists,
			fmt.Sprintf("instance %q already exists", in.Name))
	}

	existing, err := e.store.List()
	if err != nil {
		return nil, fmt.Errorf("list records: %w", err)
	}
	exclude := make(map[int]bool, len(existing))
	for _, other := range existing {
		exclude[other.ListenPort] = true
	}

	port := in.Port
	if port == 0 {
		port, err = e.ports.Allocate(exclude)
		if err != nil {
			return nil, err
		}
	} else {
		if !e.ports.Contains(port) {
			low, high := e.ports.Range()
			return nil, domain.E(domain.ErrInvalidPort,
				fmt.Sprintf("port %d outside range %d-%d", port, low, high))
		}
		if exclude[port] {
			return nil, domain.E(domain.ErrInvalidPort,
				fmt.Sprintf("port %d already claimed", port))
		}
	}

	now := time.Now().UTC()
	inst := &domain.Instance{
		ID:         uuid.New().String(),
		Name:       in.Name,
		Kind:       in.Kind,
		ListenPort: port,
		Flags:      in.Flags,
		Desired:    domain.DesiredStopped,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	if err := e.generateArtifacts(inst); err != nil {
		// Roll back: no orphaned directory, no record, port free again.
		_ = e.layout.Remove(inst.Name)
		return nil, err
	}

	if err := e.store.Put(inst); err != nil {
		_ = e.layout.Remove(inst.Name)
		return nil, fmt.Errorf("persist record: %w", err)
	}
	return inst, nil
}

// generateArtifacts writes the instance directory, credentials, certificate
// material, and rendered config for inst's current flags.
func (e *Engine) generateArtifacts(inst *domain.Instance) error {
	if err := e.layout.EnsureDir(inst.Name); err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "create artifact dir", err)
	}

	if inst.Kind == domain.KindForwardProxy {
		if _, err := e.creds.EnsureCredentials(inst); err != nil {
			return err
		}
		if inst.Flags.TLSEnabled {
			if err := e.certs.EnsureCertificate(inst); err != nil {
				return err
			}
		}
	}

	return e.writeConfig(inst)
}

// writeConfig renders and writes the config file. Rendering happens before
// any byte hits disk, so a failed render leaves previous artifacts intact.
func (e *Engine) writeConfig(inst *domain.Instance) error {
	renderer := e.renderers[inst.Kind]
	text, err := renderer.Render(inst)
	if err != nil {
		return err
	}
	path := e.layout.ConfigPath(inst.Name)
	if err := os.WriteFile(path, []byte(text), 0o644); err != nil {
		return domain.Wrap(domain.ErrArtifactGeneration, "write config", err)
	}
	return nil
}

// Start brings the instance's process up. Idempotent: an already-running
// instance returns success with no second process spawned. Spawn failure
// never flips desired state.
func (e *Engine) Start(ctx context.Context, name string) (v *View, err error) {
	defer func() { e.metrics.RecordOperation("start", err) }()

	unlock := e.lock(name)
	defer unlock()
	return e.startLocked(ctx, name)
}

func (e *Engine) startLocked(ctx context.Context, name string) (*View, error) {
	inst, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}

	if e.sup.Status(name) == supervisor.StatusAlive {
		return e.view(inst), nil
	}

	if err := e.checkArtifacts(inst); err != nil {
		return nil, err
	}

	// Re-render so any flag change since the last generation takes effect.
	if err := e.writeConfig(inst); err != nil {
		return nil, err
	}

	binary, args := e.command(inst)
	if err := e.sup.Spawn(name, binary, args,
		e.layout.StdoutLogPath(name), e.layout.StderrLogPath(name)); err != nil {
		e.metrics.RecordSpawnFailure()
		return nil, err
	}

	e.clearCrashSeen(name)

	inst.Desired = domain.DesiredRunning
	inst.UpdatedAt = time.Now().UTC()
	if err := e.store.Put(inst); err != nil {
		return nil, fmt.Errorf("persist desired state: %w", err)
	}

	e.logger.Info("instance started", "instance", name, "port", inst.ListenPort)

	if e.prober != nil && inst.Kind == domain.KindForwardProxy {
		_ = e.prober.CheckForwardProxy(ctx, inst)
	}

	return e.view(inst), nil
}

// checkArtifacts verifies the provider-owned files exist and are non-empty
// before the external binary is asked to use them. The wrapped binaries
// report a missing key the same way they report an unrelated bind failure,
// so the check happens here where it can be named.
func (e *Engine) checkArtifacts(inst *domain.Instance) error {
	if inst.Kind == domain.KindForwardProxy {
		if !artifacts.FileReady(e.layout.HtpasswdPath(inst.Name)) {
			return domain.E(domain.ErrArtifactsMissing,
				fmt.Sprintf("instance %q has no usable credentials file", inst.Name))
		}
		if inst.Flags.TLSEnabled {
			if !artifacts.FileReady(e.layout.CertPath(inst.Name)) ||
				!artifacts.FileReady(e.layout.KeyPath(inst.Name)) {
				return domain.E(domain.ErrArtifactsMissing,
					fmt.Sprintf("instance %q has no usable cert/key pair", inst.Name))
			}
		}
	}
	return nil
}

// command selects the external binary and its foreground invocation per kind.
func (e *Engine) command(inst *domain.Instance) (string, []string) {
	cfg := e.layout.ConfigPath(inst.Name)
	switch inst.Kind {
	case domain.KindTLSTunnel:
		return e.binaries.Tunnel, []string{"-f", "-c", cfg}
	default:
		return e.binaries.Forward, []string{cfg}
	}
}

// gracefulSignal is the drain-and-quit signal each binary documents.
func gracefulSignal(kind domain.Kind) os.Signal {
	if kind == domain.KindTLSTunnel {
		return syscall.SIGINT
	}
	return syscall.SIGTERM
}

// Stop terminates the instance's process. Idempotent. Desired state is
// persisted as stopped on every exit path, including early returns; a stop
// the user asked for must survive a daemon restart no matter how this
// function leaves.
func (e *Engine) Stop(ctx context.Context, name string) (v *View, err error) {
	defer func() { e.metrics.RecordOperation("stop", err) }()

	unlock := e.lock(name)
	defer unlock()
	return e.stopLocked(ctx, name)
}

func (e *Engine) stopLocked(_ context.Context, name string) (*View, error) {
	inst, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}

	inst.Desired = domain.DesiredStopped
	inst.UpdatedAt = time.Now().UTC()

	// Scoped finalizer: whatever path leaves this function, intent is
	// persisted first.
	defer func() {
		if perr := e.store.Put(inst); perr != nil {
			e.logger.Error("persist stopped state failed", "instance", name, "err", perr)
		}
	}()

	if e.sup.Status(name) == supervisor.StatusUntracked {
		return e.view(inst), nil
	}

	if err := e.sup.Terminate(name, gracefulSignal(inst.Kind)); err != nil {
		return nil, fmt.Errorf("terminate %s: %w", name, err)
	}
	e.clearCrashSeen(name)

	e.logger.Info("instance stopped", "instance", name)
	return e.view(inst), nil
}

// Restart is stop followed by start as one logical operation. A caller
// polling status mid-restart may observe either state; that is not an error.
func (e *Engine) Restart(ctx context.Context, name string) (v *View, err error) {
	defer func() { e.metrics.RecordOperation("restart", err) }()

	unlock := e.lock(name)
	defer unlock()
	return e.restartLocked(ctx, name)
}

func (e *Engine) restartLocked(ctx context.Context, name string) (*View, error) {
	if _, err := e.stopLocked(ctx, name); err != nil {
		return nil, err
	}
	return e.startLocked(ctx, name)
}

// Update persists new flags and regenerates artifacts. Rendering happens
// before anything is replaced, so a failed generation leaves the previous
// working artifacts (and a running process) untouched. A running instance is
// restarted so the new flags take effect; a stopped one is left stopped.
func (e *Engine) Update(ctx context.Context, name string, flags domain.Flags) (v *View, err error) {
	defer func() { e.metrics.RecordOperation("update", err) }()

	unlock := e.lock(name)
	defer unlock()

	inst, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}

	wasRunning := e.sup.Status(name) == supervisor.StatusAlive

	updated := *inst
	updated.Flags = flags
	updated.UpdatedAt = time.Now().UTC()

	// Render against the new flags first; nothing on disk changes if this fails.
	renderer := e.renderers[updated.Kind]
	text, err := renderer.Render(&updated)
	if err != nil {
		return nil, err
	}

	if updated.Kind == domain.KindForwardProxy && flags.TLSEnabled {
		if err := e.certs.EnsureCertificate(&updated); err != nil {
			return nil, err
		}
	}

	if err := os.WriteFile(e.layout.ConfigPath(name), []byte(text), 0o644); err != nil {
		return nil, domain.Wrap(domain.ErrArtifactGeneration, "write config", err)
	}

	if err := e.store.Put(&updated); err != nil {
		return nil, fmt.Errorf("persist record: %w", err)
	}

	e.logger.Info("instance updated", "instance", name, "restart", wasRunning)

	if e.prober != nil && updated.Kind == domain.KindTLSTunnel {
		_ = e.prober.CheckCoverDomain(ctx, &updated)
	}

	if wasRunning {
		return e.restartLocked(ctx, name)
	}
	return e.view(&updated), nil
}

// Delete terminates the process (best effort), removes all artifacts, then
// removes the record. A stuck process never blocks deletion; the
// supervisor's forced-kill path exists for exactly this.
func (e *Engine) Delete(ctx context.Context, name string) (err error) {
	defer func() { e.metrics.RecordOperation("delete", err) }()

	unlock := e.lock(name)
	defer unlock()

	inst, err := e.store.Get(name)
	if err != nil {
		return err
	}

	if err := e.sup.Terminate(name, gracefulSignal(inst.Kind)); err != nil {
		e.logger.Warn("terminate during delete failed, proceeding", "instance", name, "err", err)
	}
	e.clearCrashSeen(name)

	if err := e.layout.Remove(name); err != nil {
		return fmt.Errorf("remove artifacts: %w", err)
	}
	if err := e.store.Delete(name); err != nil {
		return err
	}

	e.logger.Info("instance deleted", "instance", name, "port", inst.ListenPort)
	return nil
}

// Get returns one instance with its observed state.
func (e *Engine) Get(_ context.Context, name string) (*View, error) {
	inst, err := e.store.Get(name)
	if err != nil {
		return nil, err
	}
	return e.view(inst), nil
}

// List returns all instances with observed state computed.
func (e *Engine) List(_ context.Context) ([]*View, error) {
	records, err := e.store.List()
	if err != nil {
		return nil, err
	}
	views := make([]*View, 0, len(records))
	for _, inst := range records {
		views = append(views, e.view(inst))
	}
	return views, nil
}

// ReconcileOnBoot runs once at daemon startup, before the API accepts
// requests. The supervisor's handle table is always empty at boot, so every
// instance whose desired state is running is actively re-spawned. Artifact
// directories with no record are swept away. Per-instance failures are
// logged and do not abort the pass.
func (e *Engine) ReconcileOnBoot(ctx context.Context) error {
	records, err := e.store.List()
	if err != nil {
		return fmt.Errorf("reconcile: list records: %w", err)
	}

	known := make(map[string]bool, len(records))
	for _, inst := range records {
		known[inst.Name] = true
	}

	if orphans, err := e.layout.Names(); err == nil {
		for _, name := range orphans {
			if known[name] {
				continue
			}
			e.logger.Warn("removing orphaned artifact dir", "instance", name)
			_ = e.layout.Remove(name)
		}
	}

	var failures int
	for _, inst := range records {
		if inst.Desired != domain.DesiredRunning {
			continue
		}
		unlock := e.lock(inst.Name)
		_, err := e.startLocked(ctx, inst.Name)
		unlock()
		if err != nil {
			failures++
			e.logger.Error("reconcile: start failed", "instance", inst.Name, "err", err)
		}
	}

	e.logger.Info("boot reconciliation complete",
		"instances", len(records),
		"failures", failures,
	)
	return nil
}

// Shutdown terminates every supervised process without touching desired
// state, so the next boot reconciliation restores user intent.
func (e *Engine) Shutdown() {
	records, err := e.store.List()
	if err != nil {
		e.logger.Error("shutdown: list records", "err", err)
		return
	}
	for _, inst := range records {
		if err := e.sup.Terminate(inst.Name, gracefulSignal(inst.Kind)); err != nil {
			e.logger.Error("shutdown: terminate failed", "instance", inst.Name, "err", err)
		}
	}
}

func (e *Engine) clearCrashSeen(name string) {
	e.crashMu.Lock()
	delete(e.crashSeen, name)
	e.crashMu.Unlock()
}
