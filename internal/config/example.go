package config

import (
	"fmt"
	"io"

	"gopkg.in/yaml.v3"
)

// DumpExampleConfig writes an example configuration to the provided writer
func DumpExampleConfig(w io.Writer) error {
	example := &Config{
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stderr",
		},
		Server: ServerConfig{
			Enabled:        true,
			Host:           "127.0.0.1",
			Port:           9120,
			ReadTimeoutMS:  10000,
			WriteTimeoutMS: 10000,
		},
		Auth: AuthConfig{
			JWTSecret:      "your-secret-key-minimum-32-chars-required",
			JWTExpiryHours: 24,
			EncryptionKey:  "0123456789abcdef0123456789abcdef",
		},
		Pipeline: PipelineConfig{
			BufferSize: 1024,
		},
		Sinks: SinksConfig{
			Stdout: StdoutSinkConfig{Enabled: true},
			Postgres: PostgresSinkConfig{
				Enabled:  false,
				Host:     "localhost",
				Port:     5432,
				User:     "wmipoller",
				Password: "changeme",
				DBName:   "wmipoller",
				SSLMode:  "disable",
				Pool: PoolConfig{
					MaxConns:                 10,
					MinConns:                 1,
					MaxConnLifetimeMinutes:   90,
					MaxConnIdleTimeMinutes:   20,
					HealthCheckPeriodSeconds: 45,
				},
				BatchSize:       500,
				FlushIntervalMS: 1000,
			},
		},
		Inputs: []InputConfig{
			{
				ID:       "processes",
				Query:    "select * from Win32_Process",
				Interval: Seconds(10),
				Host:     "localhost",
			},
			{
				ID:       "cpu-total",
				Query:    "select PercentProcessorTime from Win32_PerfFormattedData_PerfOS_Processor where name = '_Total'",
				Interval: Seconds(10),
				Type:     "wmi-cpu",
				Tags:     []string{"perf"},
			},
			{
				ID:                      "remote-processes",
				Query:                   "select * from Win32_Process",
				Interval:                Seconds(30),
				Host:                    "MyRemoteHost",
				Namespace:               DefaultNamespace,
				User:                    "myuser",
				Password:                "Password",
				Domain:                  "mydomain",
				Port:                    DefaultHTTPPort,
				OperationTimeoutSeconds: DefaultOperationTimeoutSeconds,
				AddFields:               map[string]string{"site": "dc1"},
			},
		},
	}

	if _, err := fmt.Fprintln(w, "# wmipoller example configuration"); err != nil {
		return err
	}

	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(example); err != nil {
		return fmt.Errorf("failed to encode example config: %w", err)
	}
	return enc.Close()
}
