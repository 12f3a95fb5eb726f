package ingest

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sluicehq/sluice/gateway/event"
)

type (
	// ColumnMap binds the six canonical event fields to the columns of a
	// tenant's source table.
	ColumnMap struct {
		// ID is the monotonically increasing row identifier column.
		ID string
		// Tenant is the tenant discriminator column.
		Tenant string
		// OrgUnit is the organizational unit column. Optional.
		OrgUnit string
		// EventType is the business event type column.
		EventType string
		// Payload is the JSON payload column.
		Payload string
		// Timestamp is the row creation time column. Optional.
		Timestamp string
	}

	// SourceConfig describes one configured event source for a tenant. The
	// adapter factory turns configs into running adapters.
	SourceConfig struct {
		// ID is the store-assigned identifier.
		ID string
		// Tenant owns the source.
		Tenant string
		// Kind selects the adapter variant.
		Kind event.Source
		// Active sources run; inactive ones are skipped by the supervisor.
		Active bool

		// Relational poll settings.
		Table       string
		Columns     ColumnMap
		EventTypes  []string
		OrgUnits    []string
		PollMs      int
		BatchSize   int
		// AdvanceOnNack keeps the legacy semantics of advancing the
		// checkpoint past nacked events, delegating retry to the execution
		// log. Nil means true. Fatal source errors never advance.
		AdvanceOnNack *bool

		// Partitioned log settings.
		Topic string
		// Group overrides the per-tenant consumer group name.
		Group string

		CreatedAt time.Time
		UpdatedAt time.Time
	}

	// ConfigStore persists event source configurations.
	ConfigStore interface {
		// ListActive returns every active source configuration.
		ListActive(ctx context.Context) ([]*SourceConfig, error)
	}
)

// ErrInvalidConfig reports a source configuration the factory cannot build.
var ErrInvalidConfig = errors.New("invalid source config")

// Validate checks the structural invariants for the config's kind.
func (c *SourceConfig) Validate() error {
	if c.Tenant == "" {
		return fmt.Errorf("%w: tenant is required", ErrInvalidConfig)
	}
	switch c.Kind {
	case event.SourceRelational:
		if c.Table == "" {
			return fmt.Errorf("%w: table is required", ErrInvalidConfig)
		}
		for _, col := range []struct{ name, val string }{
			{"id", c.Columns.ID},
			{"tenant", c.Columns.Tenant},
			{"eventType", c.Columns.EventType},
			{"payload", c.Columns.Payload},
		} {
			if col.val == "" {
				return fmt.Errorf("%w: %s column mapping is required", ErrInvalidConfig, col.name)
			}
		}
	case event.SourceLog:
		if c.Topic == "" {
			return fmt.Errorf("%w: topic is required", ErrInvalidConfig)
		}
	case event.SourcePush:
		// The push poller reads the shared pending_events collection; no
		// per-source parameters beyond the tenant.
	default:
		return fmt.Errorf("%w: unknown source kind %q", ErrInvalidConfig, c.Kind)
	}
	return nil
}

// AdvancesOnNack resolves the nack policy; the legacy behavior (advance) is
// the default.
func (c *SourceConfig) AdvancesOnNack() bool {
	if c.AdvanceOnNack == nil {
		return true
	}
	return *c.AdvanceOnNack
}

// ConsumerGroup resolves the consumer group name for log sources. Distinct
// tenants commit offsets independently.
func (c *SourceConfig) ConsumerGroup() string {
	if c.Group != "" {
		return c.Group
	}
	return "sluice-" + c.Tenant
}

// AdapterName derives the stable adapter identifier.
func (c *SourceConfig) AdapterName() string {
	switch c.Kind {
	case event.SourceRelational:
		return fmt.Sprintf("relational/%s/%s", c.Tenant, c.Table)
	case event.SourceLog:
		return fmt.Sprintf("log/%s/%s", c.Tenant, c.Topic)
	default:
		return fmt.Sprintf("%s/%s", c.Kind, c.Tenant)
	}
}
