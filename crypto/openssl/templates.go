package openssl

import "text/template"

// configTemplate is the default openssl.cnf rendered per certificate,
// the functional equivalent of the original Jinja2 template used by
// modules/openssl/openssl.py's _write_openssl_config. Paths are as
// seen from inside the chroot: the certificate's working directory is
// /tmp/<name>.
const configTemplate = `
[ ca ]
default_ca = CA_default

[ CA_default ]
dir             = {{ .Dir }}
database        = $dir/{{ .Name }}.db
serial          = $dir/{{ .Name }}.serial
crlnumber       = $dir/{{ .Name }}.crlnumber
new_certs_dir   = $dir
certificate     = $dir/{{ .Name }}.crt
private_key     = $dir/{{ .Name }}.key
default_md      = sha256
default_days    = {{ .Days }}
policy          = policy_match
crl_extensions  = crl_ext
{{- range $k, $v := .CertExtensions }}
{{ $k }} = {{ $v }}
{{- end }}

[ policy_match ]
{{- range .MatchPolicies }}
{{ . }} = match
{{- end }}

[ crl_ext ]
{{- range $k, $v := .CRLExtensions }}
{{ $k }} = {{ $v }}
{{- end }}
{{- range .CRLDistributionPoints }}
crlDistributionPoints = {{ . }}
{{- end }}

[ req ]
prompt              = no
default_bits        = {{ .KeyBits }}
distinguished_name  = req_distinguished_name
x509_extensions     = v3_ca

[ req_distinguished_name ]
commonName = {{ .Name }}
{{- range $k, $v := .DNExtensions }}
{{ $k }} = {{ $v }}
{{- end }}
{{- if .ExtensionsSection }}

[ {{ .ExtensionsSection }} ]
{{- range $k, $v := .CertExtensions }}
{{ $k }} = {{ $v }}
{{- end }}
{{- end }}
`

var tmpl = template.Must(template.New("openssl.cnf").Parse(configTemplate))

type templateData struct {
	Name                  string
	Dir                   string
	KeyBits               int
	Days                  int
	CertExtensions        map[string]string
	CRLExtensions         map[string]string
	CRLDistributionPoints []string
	DNExtensions          map[string]string
	MatchPolicies         []string
	ExtensionsSection     string
}
