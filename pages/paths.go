package pages

import "strings"

// HelperScriptDir is the fixed helper subdirectory appended to
// root+home for the second include path.
const HelperScriptDir = "/scripts/pi-hole/php"

// IncludePaths returns the two directories page scripts may load code
// from. Both are plain concatenations of the configured strings, no
// normalization: a home of "/admin/" yields a double slash in the
// second path, and that is what the scripts' loaders see.
func IncludePaths(root, home string) [2]string {
	base := root + home
	return [2]string{base, base + HelperScriptDir}
}

// ScriptPath maps a request URL path onto the document root: the
// leading slash is dropped and the remainder appended verbatim.
func ScriptPath(root, urlPath string) string {
	return root + "/" + strings.TrimPrefix(urlPath, "/")
}
