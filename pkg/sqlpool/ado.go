package sqlpool

import (
	"strconv"
	"strings"
	"time"
)

// Canonical ADO keys. Synonyms map onto one of these; two synonyms of the
// same key in one string are a conflict.
const (
	adoServer     = "server"
	adoInstance   = "instance name"
	adoPort       = "port"
	adoDatabase   = "database"
	adoUser       = "user id"
	adoPassword   = "password"
	adoIntegrated = "integrated security"
	adoEncrypt    = "encrypt"
	adoTrust      = "trustservercertificate"
	adoCert       = "certificate"
	adoApp        = "application name"
	adoConnect    = "connect timeout"
	adoDial       = "dial timeout"
	adoMaxPool    = "max pool size"
)

var adoSynonyms = map[string]string{
	"server":                   adoServer,
	"data source":              adoServer,
	"address":                  adoServer,
	"addr":                     adoServer,
	"network address":          adoServer,
	"port":                     adoPort,
	"database":                 adoDatabase,
	"initial catalog":          adoDatabase,
	"user id":                  adoUser,
	"uid":                      adoUser,
	"user":                     adoUser,
	"password":                 adoPassword,
	"pwd":                      adoPassword,
	"integrated security":      adoIntegrated,
	"trusted_connection":       adoIntegrated,
	"encrypt":                  adoEncrypt,
	"trustservercertificate":   adoTrust,
	"trust server certificate": adoTrust,
	"certificate":              adoCert,
	"application name":         adoApp,
	"app name":                 adoApp,
	"app":                      adoApp,
	"connect timeout":          adoConnect,
	"connection timeout":       adoConnect,
	"timeout":                  adoConnect,
	"dial timeout":             adoDial,
	"max pool size":            adoMaxPool,
}

// ParseADOString parses a semicolon separated key=value connection string
// on top of DefaultConfig. Values may be quoted with {}, "" or ''.
// Keys are case-insensitive. Unrecognized keys (Driver, Provider, ...) are
// ignored; malformed segments, repeated keys and contradicting settings are
// configuration errors.
func ParseADOString(s string) (Config, error) {
	pairs, err := splitADO(s)
	if err != nil {
		return DefaultConfig(), err
	}
	return configFromPairs(pairs, adoSynonyms)
}

// configFromPairs maps key/value pairs onto DefaultConfig. synonyms maps
// normalized keys to the canonical ADO keys; other keys are ignored.
func configFromPairs(pairs []adoPair, synonyms map[string]string) (Config, error) {
	cfg := DefaultConfig()

	var err error
	kv := make(map[string]string, len(pairs))
	for _, p := range pairs {
		canonical, ok := synonyms[p.key]
		if !ok {
			continue
		}
		if _, dup := kv[canonical]; dup {
			return cfg, configError(ReasonSyntax, "key %q given more than once", canonical)
		}
		kv[canonical] = p.value
	}

	serverPort := 0
	if v, ok := kv[adoServer]; ok {
		host, instance, port, err := parseServer(v)
		if err != nil {
			return cfg, err
		}
		cfg.Host, cfg.Instance = host, instance
		if port != 0 {
			cfg.Port, serverPort = port, port
		}
	}
	if v, ok := kv[adoInstance]; ok {
		v = strings.TrimSpace(v)
		if cfg.Instance != "" && !strings.EqualFold(cfg.Instance, v) {
			return cfg, configError(ReasonSyntax, "instance %q conflicts with server instance %q", v, cfg.Instance)
		}
		cfg.Instance = v
	}
	if v, ok := kv[adoPort]; ok {
		port, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, configError(ReasonSyntax, "invalid port %q", v)
		}
		if serverPort != 0 && serverPort != port {
			return cfg, configError(ReasonSyntax, "port %d conflicts with server port %d", port, serverPort)
		}
		cfg.Port = port
	}
	if v, ok := kv[adoDatabase]; ok {
		cfg.Database = v
	}

	integrated := false
	if v, ok := kv[adoIntegrated]; ok {
		if strings.EqualFold(strings.TrimSpace(v), "sspi") {
			integrated = true
		} else if integrated, err = parseADOBool(adoIntegrated, v); err != nil {
			return cfg, err
		}
	}
	user, hasUser := kv[adoUser]
	password := kv[adoPassword]
	switch {
	case integrated && hasUser:
		return cfg, configError(ReasonSyntax, "integrated security conflicts with user id")
	case integrated:
		cfg.Auth = IntegratedAuth()
	case strings.Contains(user, `\`):
		cfg.Auth = WindowsAuth(user, password)
	default:
		cfg.Auth = SQLServerAuth(user, password)
	}

	if v, ok := kv[adoEncrypt]; ok {
		if cfg.Encryption, err = parseEncryption(v); err != nil {
			return cfg, err
		}
	}
	trustAll := false
	if v, ok := kv[adoTrust]; ok {
		if trustAll, err = parseADOBool(adoTrust, v); err != nil {
			return cfg, err
		}
	}
	ca, hasCA := kv[adoCert]
	switch {
	case trustAll && hasCA:
		return cfg, configError(ReasonSyntax, "trustservercertificate conflicts with certificate")
	case trustAll:
		cfg.Trust = TrustAnyCert
	case hasCA:
		cfg.Trust, cfg.TrustCAPath = TrustCustomCA, ca
	}

	if v, ok := kv[adoApp]; ok {
		cfg.ApplicationName = v
	}
	if v, ok := kv[adoConnect]; ok {
		if cfg.ConnectTimeout, err = parseSeconds(adoConnect, v); err != nil {
			return cfg, err
		}
	}
	if v, ok := kv[adoDial]; ok {
		if cfg.DialTimeout, err = parseSeconds(adoDial, v); err != nil {
			return cfg, err
		}
	}
	if v, ok := kv[adoMaxPool]; ok {
		n, err := strconv.Atoi(strings.TrimSpace(v))
		if err != nil {
			return cfg, configError(ReasonSyntax, "invalid max pool size %q", v)
		}
		cfg.MaxSize = n
	}

	return cfg, nil
}

type adoPair struct {
	key   string
	value string
}

// splitADO tokenizes the string into normalized key/value pairs.
func splitADO(s string) ([]adoPair, error) {
	var pairs []adoPair
	i := 0
	for i < len(s) {
		eq := strings.IndexAny(s[i:], "=;")
		if eq < 0 || s[i+eq] == ';' {
			end := len(s)
			if eq >= 0 {
				end = i + eq
			}
			if strings.TrimSpace(s[i:end]) != "" {
				return nil, configError(ReasonSyntax, "segment %q has no '='", strings.TrimSpace(s[i:end]))
			}
			i = end + 1
			continue
		}

		key := normalizeKey(s[i : i+eq])
		if key == "" {
			return nil, configError(ReasonSyntax, "empty key at offset %d", i)
		}
		i += eq + 1

		value, next, err := readADOValue(s, i)
		if err != nil {
			return nil, err
		}
		pairs = append(pairs, adoPair{key: key, value: value})
		i = next
	}
	return pairs, nil
}

// readADOValue reads one value starting at i and returns the index after
// the terminating ';'.
func readADOValue(s string, i int) (string, int, error) {
	for i < len(s) && s[i] == ' ' {
		i++
	}
	if i < len(s) {
		var closing byte
		switch s[i] {
		case '{':
			closing = '}'
		case '"':
			closing = '"'
		case '\'':
			closing = '\''
		}
		if closing != 0 {
			var b strings.Builder
			j := i + 1
			for {
				if j >= len(s) {
					return "", 0, configError(ReasonSyntax, "unterminated quoted value at offset %d", i)
				}
				if s[j] == closing {
					// A doubled closing character is an escaped literal.
					if j+1 < len(s) && s[j+1] == closing {
						b.WriteByte(closing)
						j += 2
						continue
					}
					break
				}
				b.WriteByte(s[j])
				j++
			}
			j++
			for j < len(s) && s[j] == ' ' {
				j++
			}
			if j < len(s) && s[j] != ';' {
				return "", 0, configError(ReasonSyntax, "unexpected %q after quoted value", s[j])
			}
			return b.String(), j + 1, nil
		}
	}

	end := strings.IndexByte(s[i:], ';')
	if end < 0 {
		return strings.TrimSpace(s[i:]), len(s), nil
	}
	return strings.TrimSpace(s[i : i+end]), i + end + 1, nil
}

func normalizeKey(k string) string {
	return strings.ToLower(strings.Join(strings.Fields(k), " "))
}

// parseServer splits [tcp:]host[\instance][,port].
func parseServer(v string) (host, instance string, port int, err error) {
	v = strings.TrimSpace(v)
	if len(v) > 4 && strings.EqualFold(v[:4], "tcp:") {
		v = v[4:]
	}
	if i := strings.LastIndexByte(v, ','); i >= 0 {
		port, err = strconv.Atoi(strings.TrimSpace(v[i+1:]))
		if err != nil {
			return "", "", 0, configError(ReasonSyntax, "invalid port in server %q", v)
		}
		v = strings.TrimSpace(v[:i])
	}
	if i := strings.IndexByte(v, '\\'); i >= 0 {
		instance = v[i+1:]
		v = v[:i]
	}
	switch strings.ToLower(v) {
	case ".", "(local)", "(localdb)":
		v = DefaultHost
	}
	return v, instance, port, nil
}

func parseADOBool(key, v string) (bool, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "1":
		return true, nil
	case "false", "no", "0":
		return false, nil
	}
	return false, configError(ReasonSyntax, "invalid boolean %q for %s", v, key)
}

func parseEncryption(v string) (Encryption, error) {
	switch strings.ToLower(strings.TrimSpace(v)) {
	case "true", "yes", "mandatory":
		return EncryptionOn, nil
	case "false", "no", "optional":
		return EncryptionOff, nil
	case "strict":
		return EncryptionStrict, nil
	case "disable":
		return EncryptionNotSupported, nil
	}
	return EncryptionDefault, configError(ReasonSyntax, "invalid encrypt value %q", v)
}

func parseSeconds(key, v string) (time.Duration, error) {
	n, err := strconv.Atoi(strings.TrimSpace(v))
	if err != nil || n < 0 {
		return 0, configError(ReasonSyntax, "invalid %s %q", key, v)
	}
	return time.Duration(n) * time.Second, nil
}
