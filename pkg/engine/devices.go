package engine

import (
	"context"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// RegisterRequest describes a device to register or refresh.
type RegisterRequest struct {
	Hostname string   `validate:"required,hostname_rfc1123"`
	IP       string   `validate:"omitempty,ip"`
	Profile  string   `validate:"omitempty,max=64"`
	User     string   `validate:"omitempty,max=64"`
	Port     int      `validate:"omitempty,min=1,max=65535"`
	Tags     []string `validate:"dive,required,max=64"`

	// Offline registers without contacting the device; OS is then taken from OSHint.
	Offline bool
	OSHint  OSFamily
}

// RegisterResult is the outcome of a registration.
type RegisterResult struct {
	Device   *Device       `json:"device"`
	Created  bool          `json:"created"`
	Info     *DeviceInfo   `json:"info,omitempty"`
	Commit   *CommitResult `json:"commit,omitempty"`
	Warnings []string      `json:"warnings,omitempty"`
}

// Registrar creates and refreshes device records.
type Registrar struct {
	store    Inventory
	profiles ProfileSource
	gatherer FactGatherer
	history  *HistoryWriter
	validate *validator.Validate
	logger   zerolog.Logger
	clock    func() time.Time
}

// DefaultGatherTimeout bounds fact gathering during registration.
const DefaultGatherTimeout = 2 * time.Minute

// NewRegistrar creates a registrar. profiles may be nil when no profile directory exists.
func NewRegistrar(
	store Inventory,
	profiles ProfileSource,
	gatherer FactGatherer,
	committer Committer,
	opts Options,
	logger zerolog.Logger,
) *Registrar {
	opts = opts.withDefaults()
	history := NewHistoryWriter(store, committer, nil, logger)
	history.clock = opts.Clock
	return &Registrar{
		store:    store,
		profiles: profiles,
		gatherer: gatherer,
		history:  history,
		validate: validator.New(),
		logger:   logger.With().Str("component", "registrar").Logger(),
		clock:    opts.Clock,
	}
}

// Register gathers live information about the device and stores it. Registering
// an existing hostname refreshes os, hardware and last_seen and keeps the
// original registration time.
func (r *Registrar) Register(ctx context.Context, req RegisterRequest) (*RegisterResult, error) {
	if err := r.validate.Struct(req); err != nil {
		return nil, NewValidationError("invalid registration request", err).WithResource(req.Hostname)
	}

	var profile *Profile
	if req.Profile != "" {
		if r.profiles == nil {
			return nil, NewProfileNotFoundError(req.Profile, nil)
		}
		p, err := r.profiles.LoadProfile(ctx, req.Profile)
		if err != nil {
			return nil, err
		}
		profile = p
	}

	now := r.clock().UTC()
	device := &Device{
		Hostname:     req.Hostname,
		IP:           req.IP,
		OS:           OSUnknown,
		Profile:      req.Profile,
		SSHUser:      req.User,
		SSHPort:      req.Port,
		Tags:         MergeTags(nil, req.Tags...),
		RegisteredAt: now,
	}
	if profile != nil {
		device.MergeTags(profile.Tags...)
	}

	result := &RegisterResult{}
	if req.Offline {
		if req.OSHint != "" {
			device.OS = req.OSHint
		}
	} else {
		gctx, cancel := context.WithTimeout(ctx, DefaultGatherTimeout)
		info, err := r.gatherer.Gather(gctx, TargetFor(device))
		cancel()
		if err != nil {
			return nil, err
		}
		info.ApplyTo(device)
		device.LastSeen = now
		result.Info = info
	}

	_, lookupErr := r.store.LoadDevice(ctx, req.Hostname)
	result.Created = lookupErr != nil

	stored, err := r.store.RegisterDevice(ctx, device)
	if err != nil {
		return nil, NewStateWriteError(req.Hostname, err).WithOperation("register")
	}
	result.Device = stored

	r.logger.Info().
		Str("hostname", stored.Hostname).
		Str("os", string(stored.OS)).
		Str("profile", stored.Profile).
		Bool("created", result.Created).
		Msg("Device registered")

	commit, warn := r.history.RecordRegistration(ctx, stored.Hostname)
	result.Commit = commit
	if warn != "" {
		result.Warnings = append(result.Warnings, warn)
	}
	return result, nil
}

// Remove deletes a device with its state and history. Devices are never removed implicitly.
func (r *Registrar) Remove(ctx context.Context, hostname string) (*CommitResult, []string, error) {
	if _, err := r.store.LoadDevice(ctx, hostname); err != nil {
		return nil, nil, err
	}
	if err := r.store.RemoveDevice(ctx, hostname); err != nil {
		return nil, nil, NewStateWriteError(hostname, err).WithOperation("remove")
	}
	r.logger.Info().Str("hostname", hostname).Msg("Device removed")

	commit, warn := r.history.RecordRemoval(ctx, hostname)
	if warn != "" {
		return commit, []string{warn}, nil
	}
	return commit, nil, nil
}

// MergeRegistration folds a fresh registration into an existing record.
// Identity fields keep their stored values unless the new record sets them.
func MergeRegistration(existing, incoming *Device) *Device {
	if existing == nil {
		out := *incoming
		out.Tags = MergeTags(nil, incoming.Tags...)
		return &out
	}

	out := *existing
	if incoming.IP != "" {
		out.IP = incoming.IP
	}
	if incoming.OS != "" && incoming.OS != OSUnknown {
		out.OS = incoming.OS
		out.OSVersion = incoming.OSVersion
		out.Hardware = incoming.Hardware
	}
	if incoming.Profile != "" {
		out.Profile = incoming.Profile
	}
	if incoming.SSHUser != "" {
		out.SSHUser = incoming.SSHUser
	}
	if incoming.SSHPort != 0 {
		out.SSHPort = incoming.SSHPort
	}
	if incoming.LastSeen.After(out.LastSeen) {
		out.LastSeen = incoming.LastSeen
	}
	out.Tags = MergeTags(existing.Tags, incoming.Tags...)
	return &out
}
