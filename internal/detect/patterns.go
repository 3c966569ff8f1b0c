package detect

import "regexp"

// Family groups the patterns of one injection class. The anomaly feature
// extractor counts hits per family, so the tables here are the single source
// of truth for both signature detection and scoring.
type Family string

const (
	FamilySQLi      Family = "sqli"
	FamilyXSS       Family = "xss"
	FamilyCRLF      Family = "crlf"
	FamilyCommand   Family = "cmdi"
	FamilyTraversal Family = "traversal"
	FamilyNoSQL     Family = "nosql"
)

// Pattern is a compiled detection pattern. Name is the evidence identifier
// recorded on a match; severity keywords are looked up in it.
type Pattern struct {
	Name   string
	Family Family
	Regex  *regexp.Regexp
}

var families = map[Family][]Pattern{
	FamilySQLi: {
		{Name: "sqli_or_true", Regex: regexp.MustCompile(`(?i)\bor\b\s*(\d+\s*=\s*\d+|'[^']*'\s*=\s*'[^']*'|true\b)`)},
		{Name: "sqli_and_boolean", Regex: regexp.MustCompile(`(?i)\band\s+\d+\s*=\s*\d+`)},
		{Name: "sqli_union_select", Regex: regexp.MustCompile(`(?i)\bunion\s+(all\s+)?select\b`)},
		{Name: "sqli_select_from", Regex: regexp.MustCompile(`(?i)\bselect\s+[\w*,\s()]+?\s+from\b`)},
		{Name: "sqli_drop_table", Regex: regexp.MustCompile(`(?i)\bdrop\s+table\b`)},
		{Name: "sqli_drop_database", Regex: regexp.MustCompile(`(?i)\bdrop\s+(database|schema)\b`)},
		{Name: "sqli_stacked_query", Regex: regexp.MustCompile(`(?i);\s*(select|insert|update|delete|drop|alter|truncate|exec|shutdown)\b`)},
		{Name: "sqli_delete_from", Regex: regexp.MustCompile(`(?i)\bdelete\s+from\b`)},
		{Name: "sqli_insert_into", Regex: regexp.MustCompile(`(?i)\binsert\s+into\b`)},
		{Name: "sqli_update_set", Regex: regexp.MustCompile(`(?i)\bupdate\s+\w+\s+set\b`)},
		{Name: "sqli_comment", Regex: regexp.MustCompile(`(?i)'\s*(--|#|/\*)|\s--(\s|$)|/\*.*?\*/`)},
		{Name: "sqli_time_based", Regex: regexp.MustCompile(`(?i)\b(sleep|benchmark|pg_sleep)\s*\(|\bwaitfor\s+delay\b`)},
		{Name: "sqli_xp_cmdshell", Regex: regexp.MustCompile(`(?i)\bxp_cmdshell\b|\bexec(ute)?\s+xp_`)},
		{Name: "sqli_file_access", Regex: regexp.MustCompile(`(?i)\bload_file\s*\(|\binto\s+(out|dump)file\b`)},
		{Name: "sqli_information_schema", Regex: regexp.MustCompile(`(?i)information_schema|mysql\.user|\bsysobjects\b|\bpg_catalog\b`)},
		{Name: "sqli_hex_literal", Regex: regexp.MustCompile(`(?i)\b0x[0-9a-f]{8,}`)},
		{Name: "sqli_case_when", Regex: regexp.MustCompile(`(?i)\bcase\s+when\b`)},
		{Name: "sqli_order_by_probe", Regex: regexp.MustCompile(`(?i)\border\s+by\s+\d+`)},
		{Name: "sqli_char_concat", Regex: regexp.MustCompile(`(?i)\bchar\s*\(\s*\d+(\s*,\s*\d+)+\s*\)|\bconcat\s*\(`)},
	},
	FamilyXSS: {
		{Name: "xss_script_tag", Regex: regexp.MustCompile(`(?i)<\s*script\b`)},
		{Name: "xss_script_close", Regex: regexp.MustCompile(`(?i)</\s*script`)},
		{Name: "xss_event_handler", Regex: regexp.MustCompile(`(?i)\bon(error|load|click|mouseover|focus|blur|submit|change|input|keyup|keydown|mouseout|dblclick|contextmenu|drag|drop|toggle|animationstart)\s*=`)},
		{Name: "xss_javascript_uri", Regex: regexp.MustCompile(`(?i)\b(javascript|vbscript)\s*:|data:text/html`)},
		{Name: "xss_html_injection", Regex: regexp.MustCompile(`(?i)<\s*(img|svg|iframe|object|embed|link|style|math|video|audio|body|base|meta)\b`)},
		{Name: "xss_srcdoc", Regex: regexp.MustCompile(`(?i)\bsrcdoc\s*=`)},
		{Name: "xss_js_sink", Regex: regexp.MustCompile(`(?i)\b(alert|prompt|confirm|eval)\s*\(`)},
		{Name: "xss_dom_access", Regex: regexp.MustCompile(`(?i)document\.(cookie|write|location|domain)|window\.(location|name|open)|location\.(hash|search)|\.(inner|outer)html\b|history\.pushstate|\bnew\s+function\b`)},
		{Name: "xss_style_expression", Regex: regexp.MustCompile(`(?i)expression\s*\(|url\s*\(\s*(javascript|data):`)},
		{Name: "xss_encoded_script", Regex: regexp.MustCompile(`(?i)%3c\s*(script|svg)|&#x0*3c;\s*script|u003cscript`)},
	},
	FamilyCRLF: {
		{Name: "crlf_line_break", Regex: regexp.MustCompile(`\r\n|\n\r|[\r\n]`)},
		{Name: "crlf_header_injection", Regex: regexp.MustCompile(`(?i)[\r\n]+\s*(set-cookie|location|content-length|content-type|refresh|x-[\w-]+)\s*:`)},
		{Name: "crlf_response_split", Regex: regexp.MustCompile(`\r\n\r\n|\n\n`)},
		{Name: "crlf_encoded", Regex: regexp.MustCompile(`(?i)%0d|%0a`)},
	},
	FamilyCommand: {
		{Name: "cmdi_chained_command", Regex: regexp.MustCompile(`(?i)(;|\|\|?|&&|\$\(|` + "`" + `)\s*(cat|ls|id|whoami|uname|pwd|wget|curl|nc|ncat|bash|sh|rm|chmod|ping|shutdown|python|perl|php|powershell|cmd)\b`)},
		{Name: "cmdi_subshell", Regex: regexp.MustCompile(`\$\([^)]*\)`)},
		{Name: "cmdi_backtick", Regex: regexp.MustCompile("`[^`]+`")},
		{Name: "cmdi_env_var", Regex: regexp.MustCompile(`(?i)\$(path|home|user|shell|ifs)\b|\$\{ifs\}`)},
		{Name: "cmdi_redirect", Regex: regexp.MustCompile(`(?i)>\s*/etc/|>\s*/tmp/|<\s*/etc/passwd|/dev/(tcp|udp)/`)},
		{Name: "cmdi_reverse_shell", Regex: regexp.MustCompile(`(?i)bash\s+-i\s+>&|\bnc\s+-[elp]|\bncat\s+-|python\d?\s+-c\s+.*socket|perl\s+-e\s+.*socket|ruby\s+-rsocket|php\s+-r\s+.*fsockopen`)},
		{Name: "cmdi_shell_exec", Regex: regexp.MustCompile(`(?i)/bin/(ba|z|da)?sh\b|\bcmd\.exe\b|\bpowershell(\.exe)?\s+-`)},
	},
	FamilyTraversal: {
		{Name: "traversal_dot_dot_slash", Regex: regexp.MustCompile(`\.\.[/\\]`)},
		{Name: "traversal_etc_passwd", Regex: regexp.MustCompile(`(?i)/etc/passwd\b`)},
		{Name: "traversal_etc_shadow", Regex: regexp.MustCompile(`(?i)/etc/shadow\b`)},
		{Name: "traversal_system_file", Regex: regexp.MustCompile(`(?i)/etc/(group|hosts|crontab|issue)\b|/proc/self/`)},
		{Name: "traversal_windows_file", Regex: regexp.MustCompile(`(?i)\b(win|boot)\.ini\b|[/\\]windows[/\\]system32\b`)},
		{Name: "traversal_config_file", Regex: regexp.MustCompile(`(?i)\bweb\.config\b|\.htaccess\b|\bwp-config\.php\b|\bconfig\.php\b|\bsettings\.py\b|\.git/config\b`)},
		{Name: "traversal_dotenv", Regex: regexp.MustCompile(`(?i)/\.env\b`)},
		{Name: "traversal_backup_archive", Regex: regexp.MustCompile(`(?i)\bbackup[^\s/]*\.(zip|tar|tgz|gz|sql)\b`)},
	},
	FamilyNoSQL: {
		{Name: "nosql_comparison_operator", Regex: regexp.MustCompile(`(?i)\$(gt|gte|lt|lte|ne|eq)\b`)},
		{Name: "nosql_set_operator", Regex: regexp.MustCompile(`(?i)\$(in|nin|all|elemmatch|size)\b`)},
		{Name: "nosql_logical_operator", Regex: regexp.MustCompile(`(?i)\$(or|and|not|nor)\b`)},
		{Name: "nosql_where_clause", Regex: regexp.MustCompile(`(?i)\$where\b`)},
		{Name: "nosql_regex_operator", Regex: regexp.MustCompile(`(?i)\$regex\b`)},
		{Name: "nosql_exists_operator", Regex: regexp.MustCompile(`(?i)\$(exists|type|expr)\b`)},
		{Name: "nosql_js_exec", Regex: regexp.MustCompile(`(?i)\$where\s*"?\s*:\s*"?function|this\.\w+\s*==|db\.\w+\.(find|remove|update|drop|insert)\b`)},
	},
}

func init() {
	for fam, ps := range families {
		for i := range ps {
			ps[i].Family = fam
		}
	}
}

// Patterns returns the pattern table of a family.
func Patterns(f Family) []Pattern {
	return families[f]
}

// Matches returns the names of every pattern in f found in text, in table
// order.
func Matches(f Family, text string) []string {
	var out []string
	for _, p := range families[f] {
		if p.Regex.MatchString(text) {
			out = append(out, p.Name)
		}
	}
	return out
}

// CountHits returns how many patterns of f are found in text.
func CountHits(f Family, text string) int {
	n := 0
	for _, p := range families[f] {
		if p.Regex.MatchString(text) {
			n++
		}
	}
	return n
}
