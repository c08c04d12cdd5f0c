package geocoding

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/parcelworks/server/internal/config"
	"github.com/parcelworks/server/internal/geocoding/census"
	"github.com/parcelworks/server/internal/geocoding/nominatim"
	"github.com/parcelworks/server/internal/metrics"
	"github.com/rs/zerolog"
)

// ErrNoMatch is returned when every consulted provider answered definitively
// that the address does not resolve to coordinates. Callers treat this as a
// permanent outcome and mark the property ungeocodable.
var ErrNoMatch = errors.New("no geocoding match")

// ErrAddressUnroutable is returned by pre-validation for address text that no
// provider could plausibly resolve (placeholder values, violation text leaked
// into the address column). These are skipped without spending provider calls.
var ErrAddressUnroutable = errors.New("address is not routable")

// Coordinates is a successful geocoding outcome.
type Coordinates struct {
	Latitude  float64
	Longitude float64
	// Provider names which provider in the chain produced the result.
	Provider string
}

// Provider is one geocoder in the fallback chain. Implementations return
// ErrNoMatch for addresses they definitively cannot resolve; any other error
// is treated as transient.
type Provider interface {
	Name() string
	Geocode(ctx context.Context, address string) (*Coordinates, error)
}

// Service resolves addresses through an ordered provider chain. Each provider
// gets a bounded call window; on failure the service waits the fallback delay
// and moves down the chain. A provider that times out repeatedly is put in a
// cooldown so a dead upstream does not stall every batch.
type Service struct {
	providers []Provider

	callTimeout            time.Duration
	fallbackDelay          time.Duration
	maxConsecutiveTimeouts int
	cooldownDelay          time.Duration

	mu                  sync.Mutex
	consecutiveTimeouts map[string]int
	cooldownUntil       map[string]time.Time

	logger zerolog.Logger
}

// NewService builds a service over an explicit provider chain.
func NewService(providers []Provider, cfg config.GeocodingConfig, logger zerolog.Logger) *Service {
	return &Service{
		providers:              providers,
		callTimeout:            cfg.CallTimeout,
		fallbackDelay:          cfg.FallbackDelay,
		maxConsecutiveTimeouts: cfg.MaxConsecutiveTimeouts,
		cooldownDelay:          cfg.CooldownDelay,
		consecutiveTimeouts:    make(map[string]int),
		cooldownUntil:          make(map[string]time.Time),
		logger:                 logger,
	}
}

// NewServiceFromConfig constructs the provider chain named by
// cfg.ProviderOrder and wraps it in a service.
func NewServiceFromConfig(cfg config.GeocodingConfig, logger zerolog.Logger) (*Service, error) {
	providers := make([]Provider, 0, len(cfg.ProviderOrder))
	for _, name := range cfg.ProviderOrder {
		switch name {
		case "nominatim":
			providers = append(providers, &NominatimProvider{
				Client:       nominatim.NewClient(cfg.NominatimBaseURL, cfg.NominatimEmail),
				CountryCodes: "us",
			})
		case "census":
			providers = append(providers, &CensusProvider{
				Client: census.NewClient(cfg.CensusBaseURL),
			})
		default:
			return nil, fmt.Errorf("unknown geocoding provider %q", name)
		}
	}
	if len(providers) == 0 {
		return nil, fmt.Errorf("geocoding provider chain is empty")
	}
	return NewService(providers, cfg, logger), nil
}

// Resolve geocodes one address through the chain. It returns
// ErrAddressUnroutable without touching any provider when pre-validation
// rejects the address, ErrNoMatch when every consulted provider answered
// no-match, and a transient error otherwise.
func (s *Service) Resolve(ctx context.Context, address string) (*Coordinates, error) {
	if err := ValidateAddress(address); err != nil {
		metrics.GeocodingRequestsTotal.WithLabelValues("prevalidation", "skipped").Inc()
		return nil, err
	}

	var (
		lastErr   error
		attempts  int
		noMatches int
	)

	for i, provider := range s.providers {
		if s.inCooldown(provider.Name()) {
			s.logger.Debug().Str("provider", provider.Name()).Msg("provider in cooldown, skipping")
			continue
		}

		if i > 0 && attempts > 0 {
			select {
			case <-time.After(s.fallbackDelay):
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
		attempts++

		callCtx, cancel := context.WithTimeout(ctx, s.callTimeout)
		start := time.Now()
		coords, err := provider.Geocode(callCtx, address)
		latency := time.Since(start)
		cancel()

		metrics.GeocodingProviderLatency.WithLabelValues(provider.Name()).Observe(latency.Seconds())

		if err == nil {
			s.clearTimeouts(provider.Name())
			metrics.GeocodingRequestsTotal.WithLabelValues(provider.Name(), "success").Inc()
			s.logger.Debug().
				Str("provider", provider.Name()).
				Str("address", address).
				Float64("lat", coords.Latitude).
				Float64("lon", coords.Longitude).
				Dur("latency", latency).
				Msg("geocoded address")
			return coords, nil
		}

		if errors.Is(err, ErrNoMatch) {
			s.clearTimeouts(provider.Name())
			noMatches++
			metrics.GeocodingRequestsTotal.WithLabelValues(provider.Name(), "no_match").Inc()
			s.logger.Debug().Str("provider", provider.Name()).Str("address", address).Msg("provider returned no match")
			continue
		}

		lastErr = err
		metrics.GeocodingRequestsTotal.WithLabelValues(provider.Name(), "error").Inc()
		if errors.Is(err, context.DeadlineExceeded) {
			s.recordTimeout(provider.Name())
		}
		s.logger.Warn().
			Err(err).
			Str("provider", provider.Name()).
			Str("address", address).
			Msg("geocoding provider failed, trying next in chain")
	}

	if attempts == 0 {
		return nil, fmt.Errorf("all geocoding providers in cooldown")
	}
	if noMatches == attempts {
		return nil, fmt.Errorf("%w: %s", ErrNoMatch, address)
	}
	return nil, fmt.Errorf("geocoding failed after %d providers: %w", attempts, lastErr)
}

func (s *Service) inCooldown(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return time.Now().Before(s.cooldownUntil[provider])
}

func (s *Service) recordTimeout(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.consecutiveTimeouts[provider]++
	if s.consecutiveTimeouts[provider] >= s.maxConsecutiveTimeouts {
		s.cooldownUntil[provider] = time.Now().Add(s.cooldownDelay)
		s.consecutiveTimeouts[provider] = 0
		s.logger.Warn().
			Str("provider", provider).
			Dur("cooldown", s.cooldownDelay).
			Msg("provider timed out repeatedly, entering cooldown")
	}
}

func (s *Service) clearTimeouts(provider string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consecutiveTimeouts[provider] = 0
}

// addressStopwords flag address text that is really a violation description
// or placeholder, not a street address.
var addressStopwords = []string{
	"debris", "illegal", "notice", "violation", "dumping", "overgrown",
	"weeds", "trash", "junk", "abandoned", "unsafe", "graffiti",
	"parcel-based location", "unknown", "n/a", "none",
}

const (
	minAddressLength = 5
	maxAddressLength = 120
)

// ValidateComponents rejects a property whose address, city, or state column
// is empty, before the components are formatted into a query line. A bare
// street address with no locality can match anywhere in the country, so these
// rows never reach a provider call.
func ValidateComponents(address, city, state string) error {
	if strings.TrimSpace(address) == "" {
		return fmt.Errorf("%w: missing address", ErrAddressUnroutable)
	}
	if strings.TrimSpace(city) == "" {
		return fmt.Errorf("%w: missing city", ErrAddressUnroutable)
	}
	if strings.TrimSpace(state) == "" {
		return fmt.Errorf("%w: missing state", ErrAddressUnroutable)
	}
	return ValidateAddress(address)
}

// ValidateAddress rejects address text no provider could plausibly resolve.
func ValidateAddress(address string) error {
	trimmed := strings.TrimSpace(address)
	if len(trimmed) < minAddressLength {
		return fmt.Errorf("%w: too short", ErrAddressUnroutable)
	}
	if len(trimmed) > maxAddressLength {
		return fmt.Errorf("%w: too long", ErrAddressUnroutable)
	}

	lowered := strings.ToLower(trimmed)
	for _, word := range addressStopwords {
		if strings.Contains(lowered, word) {
			return fmt.Errorf("%w: contains %q", ErrAddressUnroutable, word)
		}
	}
	return nil
}

// FormatAddress builds the one-line query string sent to providers.
func FormatAddress(address, city, state, zip string) string {
	parts := make([]string, 0, 3)
	if address = strings.TrimSpace(address); address != "" {
		parts = append(parts, address)
	}
	if city = strings.TrimSpace(city); city != "" {
		parts = append(parts, city)
	}
	tail := strings.TrimSpace(strings.TrimSpace(state) + " " + strings.TrimSpace(zip))
	if tail != "" {
		parts = append(parts, tail)
	}
	return strings.Join(parts, ", ")
}

// NominatimProvider adapts the Nominatim client to the provider chain.
type NominatimProvider struct {
	Client       *nominatim.Client
	CountryCodes string
}

func (p *NominatimProvider) Name() string { return "nominatim" }

func (p *NominatimProvider) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	results, err := p.Client.Search(ctx, address, nominatim.SearchOptions{
		CountryCodes: p.CountryCodes,
		Limit:        1,
	})
	if err != nil {
		return nil, err
	}
	if len(results) == 0 {
		return nil, ErrNoMatch
	}

	lat, err := strconv.ParseFloat(results[0].Lat, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid latitude in nominatim result: %w", err)
	}
	lon, err := strconv.ParseFloat(results[0].Lon, 64)
	if err != nil {
		return nil, fmt.Errorf("invalid longitude in nominatim result: %w", err)
	}

	return &Coordinates{Latitude: lat, Longitude: lon, Provider: p.Name()}, nil
}

// CensusProvider adapts the US Census geocoder to the provider chain.
type CensusProvider struct {
	Client *census.Client
}

func (p *CensusProvider) Name() string { return "census" }

func (p *CensusProvider) Geocode(ctx context.Context, address string) (*Coordinates, error) {
	matches, err := p.Client.Search(ctx, address)
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return nil, ErrNoMatch
	}

	// Census reports x as longitude and y as latitude.
	return &Coordinates{
		Latitude:  matches[0].Coordinates.Y,
		Longitude: matches[0].Coordinates.X,
		Provider:  p.Name(),
	}, nil
}
