package mysql

const defaultTable = "outbox_queues"

// Config defines MySQL storage behavior.
type Config struct {
	Table string
}

func (c Config) withDefaults() Config {
	if c.Table == "" {
		c.Table = defaultTable
	}

	return c
}

// Option configures the MySQL storage.
type Option func(*Config)

// WithTable sets the queue table name.
func WithTable(name string) Option {
	return func(c *Config) {
		c.Table = name
	}
}
