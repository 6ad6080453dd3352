package playlist

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/url"
	"os"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/grafov/m3u8"
	"gopkg.in/yaml.v3"

	"github.com/keanucz/m3ufetch/internal/downloader"
)

// Entry is one downloadable stream. Output, when set, overrides the
// destination derived from Title.
type Entry struct {
	Title  string `yaml:"title"`
	URL    string `yaml:"url"`
	Output string `yaml:"output"`
}

// UnknownExt is appended when a URL path carries no extension.
const UnknownExt = ".unknown"

// ErrEmpty is returned when a playlist or list contains no entries.
var ErrEmpty = errors.New("no entries found")

var invalidChars = regexp.MustCompile(`[<>:"/\\|?*\x00-\x1F]+`)

// ParseM3U reads an M3U playlist, extended or plain. Relative URIs are
// resolved against base when it is non-nil. IPTV attribute lists in #EXTINF
// are tolerated and commas inside quoted attributes do not split the title.
// URI lines without a preceding #EXTINF are kept with an empty title.
func ParseM3U(r io.Reader, base *url.URL) ([]Entry, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read playlist: %w", err)
	}
	entries := scanEntries(data)

	// The decoder only understands #EXTINF-tagged segments. When it agrees
	// with the line scan it fills titles the scan could not find.
	if p, listType, err := m3u8.DecodeFrom(bytes.NewReader(data), false); err == nil {
		if listType == m3u8.MASTER {
			return nil, fmt.Errorf("decode playlist: master playlists are not supported")
		}
		if media, ok := p.(*m3u8.MediaPlaylist); ok {
			mergeSegments(entries, media)
		}
	}

	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	for i := range entries {
		entries[i].URL = resolve(base, entries[i].URL)
	}
	return entries, nil
}

// mergeSegments copies decoder titles into untitled entries when both list
// the same URIs in the same order.
func mergeSegments(entries []Entry, media *m3u8.MediaPlaylist) {
	var segs []*m3u8.MediaSegment
	for _, seg := range media.Segments {
		if seg != nil && seg.URI != "" {
			segs = append(segs, seg)
		}
	}
	if len(segs) != len(entries) {
		return
	}
	for i, seg := range segs {
		if strings.TrimSpace(seg.URI) != entries[i].URL {
			return
		}
	}
	for i, seg := range segs {
		if entries[i].Title == "" {
			entries[i].Title = strings.TrimSpace(seg.Title)
		}
	}
}

// scanEntries returns one entry per URI line in playlist order. The title
// comes from the #EXTINF tag directly above the URI, if any.
func scanEntries(data []byte) []Entry {
	var entries []Entry
	title := ""
	for line := range strings.Lines(string(data)) {
		line = strings.TrimSpace(line)
		switch {
		case strings.HasPrefix(line, "#EXTINF:"):
			title = titleOf(line[len("#EXTINF:"):])
		case line == "" || strings.HasPrefix(line, "#"):
		default:
			entries = append(entries, Entry{Title: title, URL: line})
			title = ""
		}
	}
	return entries
}

// titleOf returns the text after the first comma outside double quotes.
func titleOf(info string) string {
	quoted := false
	for i, c := range info {
		switch c {
		case '"':
			quoted = !quoted
		case ',':
			if !quoted {
				return strings.TrimSpace(info[i+1:])
			}
		}
	}
	return ""
}

// LoadM3U parses the playlist file at path.
func LoadM3U(path string) ([]Entry, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return ParseM3U(f, nil)
}

// LoadList reads a YAML list of {url, output} entries.
func LoadList(path string) ([]Entry, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read list: %w", err)
	}
	var entries []Entry
	if err := yaml.Unmarshal(data, &entries); err != nil {
		return nil, fmt.Errorf("parse list %s: %w", path, err)
	}
	for i, entry := range entries {
		if entry.URL == "" {
			return nil, fmt.Errorf("missing url for entry %d", i+1)
		}
	}
	if len(entries) == 0 {
		return nil, ErrEmpty
	}
	return entries, nil
}

// Destinations maps entries to download pairs under dir. Names are
// sanitized, take the extension of the URL path and never collide with each
// other or with files already on disk.
func Destinations(entries []Entry, dir string) []downloader.Pair {
	taken := make(map[string]bool, len(entries))
	pairs := make([]downloader.Pair, 0, len(entries))
	for _, e := range entries {
		var dest string
		switch {
		case e.Output != "" && filepath.IsAbs(e.Output):
			dest = e.Output
		case e.Output != "":
			dest = filepath.Join(dir, e.Output)
		default:
			dest = filepath.Join(dir, FileName(e))
		}
		dest = unique(dest, taken)
		taken[dest] = true
		pairs = append(pairs, downloader.Pair{URL: e.URL, Dest: dest})
	}
	return pairs
}

// FileName derives a file name from the entry title and URL extension.
func FileName(e Entry) string {
	name := sanitize(e.Title)
	if name == "" {
		name = sanitize(strings.TrimSuffix(path.Base(urlPath(e.URL)), path.Ext(urlPath(e.URL))))
	}
	if name == "" || name == "." {
		name = "stream"
	}
	return name + Extension(e.URL)
}

// Extension returns the extension of the URL path, or UnknownExt.
func Extension(rawURL string) string {
	ext := path.Ext(urlPath(rawURL))
	if ext == "" || ext == "." || invalidChars.MatchString(ext) {
		return UnknownExt
	}
	return ext
}

func urlPath(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return ""
	}
	return u.Path
}

func sanitize(name string) string {
	name = strings.TrimSpace(name)
	name = invalidChars.ReplaceAllString(name, " ")
	return strings.Join(strings.Fields(name), " ")
}

// unique appends -(N) before the extension until dest is unused.
func unique(dest string, taken map[string]bool) string {
	if !taken[dest] && !exists(dest) {
		return dest
	}
	dir := filepath.Dir(dest)
	base := filepath.Base(dest)
	ext := filepath.Ext(base)
	name := base[:len(base)-len(ext)]
	for index := 1; ; index++ {
		candidate := filepath.Join(dir, fmt.Sprintf("%s-(%d)%s", name, index, ext))
		if !taken[candidate] && !exists(candidate) {
			return candidate
		}
	}
}

func exists(name string) bool {
	_, err := os.Stat(name)
	return err == nil
}

func resolve(base *url.URL, ref string) string {
	if base == nil {
		return ref
	}
	refURL, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(refURL).String()
}
