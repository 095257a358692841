package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/cashflow")
	t.Setenv("STORE_DRIVER", "")
	t.Setenv("AMQP_URL", "")
	t.Setenv("APP_PORT", "")
	t.Setenv("BROKER_PREFETCH", "")
	t.Setenv("CONSUMER_MAX_ATTEMPTS", "")
	t.Setenv("OUTBOX_ENABLED", "")

	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.AppPort != "8080" || c.StoreDriver != StoreDriverPostgres {
		t.Fatalf("unexpected defaults: %+v", c)
	}
	if c.Broker.Exchange != "cash-flow-exchange" || c.Broker.Queue != "consolidations-queue" {
		t.Fatalf("broker names default: %+v", c.Broker)
	}
	if c.Broker.RoutingKey != "transaction.created" || c.Broker.DeadLetterRoutingKey == c.Broker.RoutingKey {
		t.Fatalf("routing keys default: %+v", c.Broker)
	}
	if c.Consumer.MaxAttempts != 3 || c.Consumer.RetryBackoff != 200*time.Millisecond {
		t.Fatalf("consumer defaults: %+v", c.Consumer)
	}
	if c.Outbox.Enabled {
		t.Fatalf("outbox must be off by default")
	}
}

func TestLoadRequiresDatabaseForPostgres(t *testing.T) {
	t.Setenv("DATABASE_URL", "")
	t.Setenv("STORE_DRIVER", "postgres")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}

	t.Setenv("STORE_DRIVER", "memory")
	if _, err := LoadFromEnv(); err != nil {
		t.Fatalf("memory driver should not need DATABASE_URL: %v", err)
	}
}

func TestLoadRejectsUnknownDriver(t *testing.T) {
	t.Setenv("STORE_DRIVER", "mongo")
	if _, err := LoadFromEnv(); err == nil {
		t.Fatalf("expected error for unknown driver")
	}
}

func TestLoadOverridesAndBadValues(t *testing.T) {
	t.Setenv("STORE_DRIVER", "memory")
	t.Setenv("BROKER_PREFETCH", "4")
	t.Setenv("CONSUMER_MAX_ATTEMPTS", "-1")
	t.Setenv("CONSUMER_SHUTDOWN_TIMEOUT_SECONDS", "abc")
	t.Setenv("OUTBOX_ENABLED", "true")
	t.Setenv("OUTBOX_POLL_INTERVAL_SECONDS", "1")

	c, err := LoadFromEnv()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if c.Broker.Prefetch != 4 {
		t.Fatalf("prefetch override ignored")
	}
	if c.Consumer.MaxAttempts != 3 || c.Consumer.ShutdownTimeout != 10*time.Second {
		t.Fatalf("invalid values should fall back to defaults: %+v", c.Consumer)
	}
	if !c.Outbox.Enabled || c.Outbox.PollInterval != time.Second {
		t.Fatalf("outbox overrides ignored: %+v", c.Outbox)
	}
}
