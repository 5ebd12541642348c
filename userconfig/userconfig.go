package userconfig

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/ptgott/one-mailer/auth"
	"github.com/ptgott/one-mailer/email"
	"github.com/ptgott/one-mailer/message"
	"github.com/ptgott/one-mailer/smtp"
	"github.com/ptgott/one-mailer/storage"

	"github.com/alecthomas/units"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	yaml "gopkg.in/yaml.v2"
)

// Journal entries stick around for a week unless the user says otherwise.
const defaultJournalTTL = 7 * 24 * time.Hour

// Environment variables, in the order they're documented.
const (
	EnvFrom       = "FROM"
	EnvTo         = "TO"
	EnvHost       = "MAILER_HOST"
	EnvPort       = "MAILER_PORT"
	EnvUsername   = "MAILER_USERNAME"
	EnvPassword   = "MAILER_PASSWORD"
	EnvSecurity   = "MAILER_SECURITY"
	EnvHelo       = "MAILER_HELO"
	EnvTimeout    = "MAILER_TIMEOUT"
	EnvAuth       = "MAILER_AUTH"
	EnvCAFile     = "MAILER_CA_FILE"
	EnvSkipVerify = "MAILER_SKIP_VERIFY"
	EnvMaxSize    = "MAILER_MAX_SIZE"
	EnvJournalDir = "MAILER_JOURNAL_DIR"
)

var validate = validator.New()

// Settings represents all config options that the application can use,
// i.e., after validation and parsing. Set them with Parse, Load or by hand,
// then call CheckAndSetDefaults.
type Settings struct {
	From     string   `validate:"required"`
	To       []string `validate:"required,min=1,dive,required"`
	Host     string   `validate:"required,hostname_rfc1123|ip"`
	Port     int      `validate:"required,min=1,max=65535"`
	Username string
	Password string `validate:"required_with=Username"`
	// One of the names accepted by smtp.ParseSecurity
	Security string `validate:"oneof=tls ssl implicit starttls opportunistic plain none"`
	HeloName string
	Timeout  time.Duration `validate:"gte=0"`
	// Forces a SASL mechanism
	Mechanism string
	// PEM file with extra roots to trust, for relays with private CAs
	CAFile     string `validate:"omitempty,file"`
	SkipVerify bool
	// Bytes
	MaxSize int64 `validate:"gte=0"`
	// Journal.StorageDirPath is empty unless the user wants a journal
	Journal storage.KVConfig
}

// UnmarshalYAML parses a user-provided YAML configuration, returning any
// parsing errors.
func (s *Settings) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var v struct {
		From       string      `yaml:"from"`
		To         addressList `yaml:"to"`
		Host       string      `yaml:"host"`
		Port       int         `yaml:"port"`
		Username   string      `yaml:"username"`
		Password   string      `yaml:"password"`
		Security   string      `yaml:"security"`
		HeloName   string      `yaml:"helo"`
		Timeout    string      `yaml:"timeout"`
		Mechanism  string      `yaml:"auth"`
		CAFile     string      `yaml:"caFile"`
		SkipVerify bool        `yaml:"skipVerify"`
		MaxSize    string      `yaml:"maxSize"`
		// Has its own UnmarshalYAML
		Journal *storage.KVConfig `yaml:"journal"`
	}
	if err := unmarshal(&v); err != nil {
		return fmt.Errorf("can't parse the user config: %v", err)
	}

	s.From = v.From
	s.To = v.To
	s.Host = v.Host
	s.Port = v.Port
	s.Username = v.Username
	s.Password = v.Password
	s.Security = v.Security
	s.HeloName = v.HeloName
	s.Mechanism = v.Mechanism
	s.CAFile = v.CAFile
	s.SkipVerify = v.SkipVerify
	if v.Journal != nil {
		s.Journal = *v.Journal
	}

	var err error
	if v.Timeout != "" {
		if s.Timeout, err = time.ParseDuration(v.Timeout); err != nil {
			return fmt.Errorf("can't parse the timeout as a duration: %v", err)
		}
	}
	if v.MaxSize != "" {
		if s.MaxSize, err = units.ParseStrictBytes(v.MaxSize); err != nil {
			return fmt.Errorf("can't parse the maximum message size: %v", err)
		}
	}
	return nil
}

// addressList accepts either a YAML sequence or one comma-separated string.
type addressList []string

func (a *addressList) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var l []string
	if err := unmarshal(&l); err == nil {
		*a = l
		return nil
	}
	var s string
	if err := unmarshal(&s); err != nil {
		return errors.New("\"to\" must be a list of addresses or a comma-separated string")
	}
	*a = splitList(s)
	return nil
}

// Parse reads Settings from YAML. Nothing is validated until
// CheckAndSetDefaults.
func Parse(r io.Reader) (*Settings, error) {
	var s Settings
	err := yaml.NewDecoder(r).Decode(&s)
	if err != nil && !errors.Is(err, io.EOF) {
		return &Settings{}, fmt.Errorf("can't read the config file as YAML: %v", err)
	}
	return &s, nil
}

// Load layers the configuration sources. Later ones win: the YAML file at
// configPath, then the dotenv file at envPath, then lookup (os.LookupEnv
// outside of tests). Either path can be empty to skip it.
func Load(configPath, envPath string, lookup func(string) (string, bool)) (*Settings, error) {
	s := &Settings{}
	if configPath != "" {
		f, err := os.Open(configPath)
		if err != nil {
			return &Settings{}, fmt.Errorf("can't open the config file: %v", err)
		}
		defer f.Close()
		if s, err = Parse(f); err != nil {
			return &Settings{}, err
		}
	}

	env := map[string]string{}
	if envPath != "" {
		m, err := godotenv.Read(envPath)
		if err != nil {
			return &Settings{}, fmt.Errorf("can't read the env file: %v", err)
		}
		env = m
	}
	if lookup == nil {
		lookup = os.LookupEnv
	}
	get := func(k string) (string, bool) {
		if v, ok := lookup(k); ok {
			return v, true
		}
		v, ok := env[k]
		return v, ok
	}

	if err := s.apply(get); err != nil {
		return &Settings{}, err
	}
	return s, nil
}

// apply overwrites s with any variable that get finds.
func (s *Settings) apply(get func(string) (string, bool)) error {
	str := func(k string, dst *string) {
		if v, ok := get(k); ok {
			*dst = strings.TrimSpace(v)
		}
	}
	str(EnvFrom, &s.From)
	str(EnvHost, &s.Host)
	str(EnvUsername, &s.Username)
	str(EnvSecurity, &s.Security)
	str(EnvHelo, &s.HeloName)
	str(EnvAuth, &s.Mechanism)
	str(EnvCAFile, &s.CAFile)
	str(EnvJournalDir, &s.Journal.StorageDirPath)
	// Passwords can legitimately start or end with spaces
	if v, ok := get(EnvPassword); ok {
		s.Password = v
	}
	if v, ok := get(EnvTo); ok {
		s.To = splitList(v)
	}

	if v, ok := get(EnvPort); ok && v != "" {
		p, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%v must be a number: %v", EnvPort, err)
		}
		s.Port = p
	}
	if v, ok := get(EnvTimeout); ok && v != "" {
		d, err := time.ParseDuration(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%v must be a duration like 30s: %v", EnvTimeout, err)
		}
		s.Timeout = d
	}
	if v, ok := get(EnvSkipVerify); ok && v != "" {
		b, err := strconv.ParseBool(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%v must be true or false: %v", EnvSkipVerify, err)
		}
		s.SkipVerify = b
	}
	if v, ok := get(EnvMaxSize); ok && v != "" {
		n, err := units.ParseStrictBytes(strings.TrimSpace(v))
		if err != nil {
			return fmt.Errorf("%v must be a size like 10MiB: %v", EnvMaxSize, err)
		}
		s.MaxSize = n
	}
	return nil
}

// CheckAndSetDefaults validates s and either returns a copy of s with default
// settings applied or returns an error due to an invalid configuration
func (s *Settings) CheckAndSetDefaults() (Settings, error) {
	c := *s
	c.To = append([]string(nil), s.To...)

	c.Security = strings.ToLower(strings.TrimSpace(c.Security))
	if c.Security == "" {
		c.Security = smtp.SecurityTLS.String()
	}
	if c.Timeout == 0 {
		c.Timeout = email.DefaultTimeout
	}
	if c.Journal.StorageDirPath != "" && c.Journal.KeyTTLDuration == 0 {
		c.Journal.KeyTTLDuration = defaultJournalTTL
	}
	if c.Journal.KeyTTLDuration < 0 {
		return Settings{}, errors.New("the journal's key TTL can't be negative")
	}
	c.Mechanism = strings.ToUpper(c.Mechanism)

	if err := validate.Struct(&c); err != nil {
		return Settings{}, describe(err)
	}
	if c.Mechanism != "" && !auth.Supported(c.Mechanism) {
		return Settings{}, fmt.Errorf("unsupported AUTH mechanism %q", c.Mechanism)
	}

	sec, _ := smtp.ParseSecurity(c.Security)
	if w := portMismatch(c.Port, sec); w != "" {
		log.Warn().
			Int("port", c.Port).
			Str("security", sec.String()).
			Msg(w)
	}
	return c, nil
}

// portMismatch returns a warning when the port is conventionally used with
// a different security mode.
func portMismatch(port int, sec smtp.Security) string {
	switch {
	case port == 465 && sec != smtp.SecurityTLS:
		return "port 465 usually expects implicit TLS; the handshake may fail"
	case (port == 587 || port == 25) && sec == smtp.SecurityTLS:
		return "this port usually expects STARTTLS or plaintext, not implicit TLS; the handshake may fail"
	}
	return ""
}

// describe turns validator errors into something a user can act on.
func describe(err error) error {
	var ve validator.ValidationErrors
	if !errors.As(err, &ve) {
		return err
	}
	msgs := make([]string, len(ve))
	for i, fe := range ve {
		switch fe.Tag() {
		case "required":
			msgs[i] = fmt.Sprintf("%v is required", fe.Field())
		case "required_with":
			msgs[i] = fmt.Sprintf("%v is required when %v is set", fe.Field(), fe.Param())
		default:
			msgs[i] = fmt.Sprintf("%v is invalid (%v %v)", fe.Field(), fe.Tag(), fe.Param())
		}
	}
	return fmt.Errorf("invalid configuration: %v", strings.Join(msgs, "; "))
}

// TransportConfig builds what email.NewTransport expects. Call it on the
// result of CheckAndSetDefaults.
func (s Settings) TransportConfig() (email.Config, error) {
	sec, err := smtp.ParseSecurity(s.Security)
	if err != nil {
		return email.Config{}, err
	}

	tc := &tls.Config{
		ServerName: s.Host,
		// Only for relays with self-signed certificates the user accepted
		InsecureSkipVerify: s.SkipVerify,
	}
	if s.CAFile != "" {
		pem, err := os.ReadFile(s.CAFile)
		if err != nil {
			return email.Config{}, fmt.Errorf("can't read the CA file: %v", err)
		}
		pool, err := x509.SystemCertPool()
		if err != nil {
			pool = x509.NewCertPool()
		}
		if !pool.AppendCertsFromPEM(pem) {
			return email.Config{}, fmt.Errorf("%v contains no PEM certificates", s.CAFile)
		}
		tc.RootCAs = pool
	}

	var creds auth.Credentials
	if s.Username != "" {
		creds = auth.NewCredentials(s.Username, s.Password)
	}

	return email.Config{
		Endpoint: email.Endpoint{
			Host:     s.Host,
			Port:     s.Port,
			Security: sec,
		},
		Credentials:    creds,
		HeloName:       s.HeloName,
		Timeout:        s.Timeout,
		TLSConfig:      tc,
		Mechanism:      s.Mechanism,
		MaxMessageSize: s.MaxSize,
	}, nil
}

// Message builds a message from the configured sender to the configured
// recipients. An empty html leaves the message as plain text.
func (s Settings) Message(subject, body, html string) (*message.Message, error) {
	b := message.NewBuilder().From(s.From).To(s.To...).Subject(subject).Body(body)
	if html != "" {
		b = b.HTML(html)
	}
	return b.Build()
}

// MarshalZerologObject logs everything except the password.
func (s Settings) MarshalZerologObject(e *zerolog.Event) {
	e.Str("from", s.From).
		Strs("to", s.To).
		Str("host", s.Host).
		Int("port", s.Port).
		Str("security", s.Security).
		Str("username", s.Username).
		Bool("password_set", s.Password != "").
		Str("helo", s.HeloName).
		Dur("timeout", s.Timeout).
		Str("auth", s.Mechanism).
		Str("ca_file", s.CAFile).
		Bool("skip_verify", s.SkipVerify).
		Int64("max_size", s.MaxSize).
		Str("journal_dir", s.Journal.StorageDirPath)
}

func splitList(s string) []string {
	var r []string
	for _, p := range strings.Split(s, ",") {
		if p = strings.TrimSpace(p); p != "" {
			r = append(r, p)
		}
	}
	return r
}
