package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config representa a configuração global do sistema
type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Storage StorageConfig `mapstructure:"storage"`
	SMTP    SMTPConfig    `mapstructure:"smtp"`
	IMAP    IMAPConfig    `mapstructure:"imap"`
	Metrics MetricsConfig `mapstructure:"metrics"`
	Log     LogConfig     `mapstructure:"log"`
}

// ServerConfig representa a configuração do servidor do protocolo glomail
type ServerConfig struct {
	Address       string        `mapstructure:"address"`
	Port          int           `mapstructure:"port"`
	Domain        string        `mapstructure:"domain"`
	MaxFrameBytes int           `mapstructure:"max_frame_bytes"`
	WriteTimeout  time.Duration `mapstructure:"write_timeout"`
}

// StorageConfig representa a configuração do armazenamento
type StorageConfig struct {
	Type     string `mapstructure:"type"` // "filesystem", "sqlite", "postgres" ou "bolt"
	DataDir  string `mapstructure:"data_dir"`
	LostDir  string `mapstructure:"lost_dir"`
	Path     string `mapstructure:"path"` // Para SQLite e Bolt
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	User     string `mapstructure:"user"`
	Password string `mapstructure:"password"`
	DBName   string `mapstructure:"dbname"`
}

// SMTPConfig representa a configuração do gateway SMTP; Port 0 o desativa
type SMTPConfig struct {
	Address         string        `mapstructure:"address"`
	Port            int           `mapstructure:"port"`
	MaxMessageBytes int64         `mapstructure:"max_message_bytes"`
	MaxRecipients   int           `mapstructure:"max_recipients"`
	Timeout         time.Duration `mapstructure:"timeout"`
}

// IMAPConfig representa a configuração do gateway IMAP; Port 0 o desativa
type IMAPConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// MetricsConfig representa a configuração do endpoint HTTP de métricas; Port 0 o desativa
type MetricsConfig struct {
	Address string `mapstructure:"address"`
	Port    int    `mapstructure:"port"`
}

// LogConfig representa a configuração de logs
type LogConfig struct {
	Level  string `mapstructure:"level"`  // debug, info, warn, error
	Format string `mapstructure:"format"` // text ou json
}

// StorageTypes lista os tipos de armazenamento suportados
var StorageTypes = []string{"filesystem", "sqlite", "postgres", "bolt"}

// Addr retorna o endereço host:porta do servidor
func (c ServerConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Addr retorna o endereço host:porta do gateway SMTP
func (c SMTPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Addr retorna o endereço host:porta do gateway IMAP
func (c IMAPConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

// Addr retorna o endereço host:porta do endpoint de métricas
func (c MetricsConfig) Addr() string {
	return fmt.Sprintf("%s:%d", c.Address, c.Port)
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.address", "127.0.0.1")
	v.SetDefault("server.port", 1400)
	v.SetDefault("server.domain", "glo2000.ca")
	v.SetDefault("server.max_frame_bytes", 1<<20)
	v.SetDefault("server.write_timeout", 10*time.Second)

	v.SetDefault("storage.type", "filesystem")
	v.SetDefault("storage.data_dir", "server_data")
	v.SetDefault("storage.lost_dir", "LOST")
	v.SetDefault("storage.path", "server_data/glomail.db")
	v.SetDefault("storage.host", "localhost")
	v.SetDefault("storage.port", 5432)
	v.SetDefault("storage.user", "glomail")
	v.SetDefault("storage.password", "")
	v.SetDefault("storage.dbname", "glomail")

	v.SetDefault("smtp.address", "127.0.0.1")
	v.SetDefault("smtp.port", 0)
	v.SetDefault("smtp.max_message_bytes", 1024*1024)
	v.SetDefault("smtp.max_recipients", 50)
	v.SetDefault("smtp.timeout", 10*time.Second)

	v.SetDefault("imap.address", "127.0.0.1")
	v.SetDefault("imap.port", 0)

	v.SetDefault("metrics.address", "127.0.0.1")
	v.SetDefault("metrics.port", 0)

	v.SetDefault("log.level", "info")
	v.SetDefault("log.format", "text")
}

// LoadConfig carrega configurações do arquivo YAML em configPath. Um arquivo
// ausente não é erro: valem os padrões e as variáveis GLOMAIL_*.
func LoadConfig(configPath string) (*Config, error) {
	v := viper.New()
	setDefaults(v)

	v.SetEnvPrefix("GLOMAIL")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if configPath != "" {
		v.SetConfigFile(configPath)
		v.SetConfigType("yaml")
		if err := v.ReadInConfig(); err != nil && !errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("erro ao ler arquivo de configuração: %w", err)
		}
	}

	cfg := &Config{}
	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("erro ao processar configuração: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate verifica a coerência da configuração
func (c *Config) Validate() error {
	var errs []error

	if strings.TrimSpace(c.Server.Domain) == "" {
		errs = append(errs, errors.New("server.domain não pode ser vazio"))
	}
	if c.Server.Port < 0 || c.Server.Port > 65535 {
		errs = append(errs, fmt.Errorf("server.port inválida: %d", c.Server.Port))
	}
	if c.Server.MaxFrameBytes <= 0 {
		errs = append(errs, fmt.Errorf("server.max_frame_bytes deve ser positivo: %d", c.Server.MaxFrameBytes))
	}

	known := false
	for _, t := range StorageTypes {
		if c.Storage.Type == t {
			known = true
		}
	}
	if !known {
		errs = append(errs, fmt.Errorf("tipo de armazenamento não suportado: %s", c.Storage.Type))
	}

	lost := c.Storage.LostDir
	if lost == "" || lost == "." || lost == ".." || strings.ContainsAny(lost, `/\`) {
		errs = append(errs, fmt.Errorf("storage.lost_dir inválido: %q", lost))
	}

	for name, port := range map[string]int{"smtp.port": c.SMTP.Port, "imap.port": c.IMAP.Port, "metrics.port": c.Metrics.Port} {
		if port < 0 || port > 65535 {
			errs = append(errs, fmt.Errorf("%s inválida: %d", name, port))
		}
	}

	return errors.Join(errs...)
}
