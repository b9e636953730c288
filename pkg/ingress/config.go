package ingress

import "time"

// Config configures the JetStream event ingress and the event publisher.
type Config struct {
	Enabled bool `yaml:"enabled"`

	// Embedded starts an in-process JetStream server instead of dialing URL.
	Embedded bool   `yaml:"embedded"`
	StoreDir string `yaml:"storeDir"`

	URL      string   `yaml:"url" validate:"required_if=Enabled true"`
	Stream   string   `yaml:"stream" validate:"required_if=Enabled true"`
	Subjects []string `yaml:"subjects" validate:"required_if=Enabled true,dive,required"`
	Durable  string   `yaml:"durable" validate:"required_if=Enabled true"`

	AckWait    time.Duration `yaml:"ackWait" validate:"gte=0"`
	MaxDeliver int           `yaml:"maxDeliver" validate:"gte=0"`
	FetchBatch int           `yaml:"fetchBatch" validate:"gte=0"`
	FetchWait  time.Duration `yaml:"fetchWait" validate:"gte=0"`

	// Sources and Types are glob filters; events matching neither list are
	// acknowledged and dropped.
	Sources []string `yaml:"sources"`
	Types   []string `yaml:"types"`

	// PublishPrefix is the subject prefix for emitted events:
	// {prefix}.{pipelineId}.{type}.
	PublishPrefix string `yaml:"publishPrefix"`

	// NotificationPrefix is the core NATS subject prefix for alert and skip
	// notifications.
	NotificationPrefix string `yaml:"notificationPrefix"`
}

func (c Config) fetchBatch() int {
	if c.FetchBatch <= 0 {
		return 32
	}
	return c.FetchBatch
}

func (c Config) fetchWait() time.Duration {
	if c.FetchWait <= 0 {
		return 5 * time.Second
	}
	return c.FetchWait
}
