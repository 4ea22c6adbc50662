package sqlpool

import "strings"

const jdbcPrefix = "jdbc:sqlserver://"

// jdbcSynonyms maps lowercased JDBC property names onto the canonical ADO
// keys, so both string formats share one set of parsing and conflict rules.
var jdbcSynonyms = map[string]string{
	"servername":               adoServer,
	"instancename":             adoInstance,
	"portnumber":               adoPort,
	"port":                     adoPort,
	"databasename":             adoDatabase,
	"database":                 adoDatabase,
	"user":                     adoUser,
	"username":                 adoUser,
	"password":                 adoPassword,
	"integratedsecurity":       adoIntegrated,
	"encrypt":                  adoEncrypt,
	"trustservercertificate":   adoTrust,
	"trustservercertificateca": adoCert,
	"applicationname":          adoApp,
	"logintimeout":             adoConnect,
}

// ParseJDBCString parses a JDBC URL of the form
//
//	jdbc:sqlserver://[host[\instance][:port]][;property=value...]
//
// on top of DefaultConfig. Property names are case-insensitive and values
// may be braced with {}. Unrecognized properties are ignored; a property
// that repeats what the URL already sets is a conflict.
func ParseJDBCString(s string) (Config, error) {
	s = strings.TrimSpace(s)
	if len(s) < len(jdbcPrefix) || !strings.EqualFold(s[:len(jdbcPrefix)], jdbcPrefix) {
		return DefaultConfig(), configError(ReasonSyntax, "jdbc url must start with %q", jdbcPrefix)
	}
	s = s[len(jdbcPrefix):]

	server, props, _ := strings.Cut(s, ";")
	pairs, err := splitADO(props)
	if err != nil {
		return DefaultConfig(), err
	}
	for i := range pairs {
		pairs[i].key = strings.ReplaceAll(pairs[i].key, " ", "")
	}

	if server = strings.TrimSpace(server); server != "" {
		host, port, err := splitJDBCServer(server)
		if err != nil {
			return DefaultConfig(), err
		}
		pairs = append(pairs, adoPair{key: "servername", value: host})
		if port != "" {
			pairs = append(pairs, adoPair{key: "portnumber", value: port})
		}
	}
	return configFromPairs(pairs, jdbcSynonyms)
}

// splitJDBCServer splits host[\instance][:port]. The instance stays on the
// host in ADO form so parseServer handles it.
func splitJDBCServer(v string) (host, port string, err error) {
	host = v
	if i := strings.LastIndexByte(v, ':'); i >= 0 {
		host, port = v[:i], strings.TrimSpace(v[i+1:])
		if port == "" {
			return "", "", configError(ReasonSyntax, "empty port in jdbc url %q", v)
		}
	}
	if strings.TrimSpace(host) == "" {
		return "", "", configError(ReasonSyntax, "empty host in jdbc url %q", v)
	}
	return host, port, nil
}
