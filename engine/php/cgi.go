package php

import (
	"bufio"
	"bytes"
	"net"
	"net/http"
	"sort"
	"strings"
)

// cgiEnv builds the CGI/1.1 environment for one page execution. The
// raw head rides along in PAGEVM_REQUEST_HEAD and the bound host
// function names in PAGEVM_FUNCTIONS, both consumed by the prelude.
func cgiEnv(head []byte, guestScript string, fnNames []string) [][2]string {
	env := [][2]string{
		{"GATEWAY_INTERFACE", "CGI/1.1"},
		{"SERVER_SOFTWARE", "pagevm"},
		{"REDIRECT_STATUS", "1"},
		{"SCRIPT_FILENAME", guestScript},
		{"SCRIPT_NAME", guestScript},
		{"PAGEVM_REQUEST_HEAD", string(head)},
		{"PAGEVM_FUNCTIONS", strings.Join(fnNames, ",")},
	}

	req, err := http.ReadRequest(bufio.NewReader(bytes.NewReader(head)))
	if err != nil {
		env = append(env,
			[2]string{"REQUEST_METHOD", "GET"},
			[2]string{"SERVER_PROTOCOL", "HTTP/1.1"},
		)
		return env
	}

	host, port := splitHostPort(req.Host)
	env = append(env,
		[2]string{"REQUEST_METHOD", req.Method},
		[2]string{"SERVER_PROTOCOL", req.Proto},
		[2]string{"REQUEST_URI", req.URL.RequestURI()},
		[2]string{"QUERY_STRING", req.URL.RawQuery},
		[2]string{"SERVER_NAME", host},
		[2]string{"SERVER_PORT", port},
	)

	keys := make([]string, 0, len(req.Header))
	for k := range req.Header {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		v := strings.Join(req.Header[k], ", ")
		switch k {
		case "Content-Type":
			env = append(env, [2]string{"CONTENT_TYPE", v})
		case "Content-Length":
			env = append(env, [2]string{"CONTENT_LENGTH", v})
		default:
			env = append(env, [2]string{headerToEnv(k), v})
		}
	}

	return env
}

// headerToEnv converts a canonical header name into its CGI form, for
// example User-Agent to HTTP_USER_AGENT.
func headerToEnv(name string) string {
	return "HTTP_" + strings.ToUpper(strings.ReplaceAll(name, "-", "_"))
}

func splitHostPort(hostport string) (string, string) {
	host, port, err := net.SplitHostPort(hostport)
	if err != nil {
		return hostport, "80"
	}
	return host, port
}

// stripCGIHeaders cuts the CGI header block off the interpreter's
// stdout, leaving the page body. Output without a header separator is
// returned whole.
func stripCGIHeaders(raw []byte) []byte {
	if i := bytes.Index(raw, []byte("\r\n\r\n")); i >= 0 {
		return raw[i+4:]
	}
	if i := bytes.Index(raw, []byte("\n\n")); i >= 0 {
		return raw[i+2:]
	}
	return raw
}
