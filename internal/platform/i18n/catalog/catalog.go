// Package catalog loads localized display-name catalogs and resolves
// lookups with language matching.
package catalog

import (
	"fmt"
	"io/fs"
	"os"
	"sort"
	"strings"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// BaseLocale is the canonical source locale; every bundle must define it.
const BaseLocale = "en-US"

type catalogFile struct {
	Locale   string            `yaml:"locale"`
	Messages map[string]string `yaml:"messages"`
}

// Bundle holds all locale catalogs and a matcher over their tags.
type Bundle struct {
	locales map[string]map[string]string
	tags    []language.Tag
	matcher language.Matcher
}

// LoadDir loads every "*.yaml" catalog in dir.
func LoadDir(dir string) (*Bundle, error) {
	return LoadFS(os.DirFS(dir))
}

// LoadFS loads catalog files from the root of catalogFS. Each file
// declares its locale and a flat message map; the filename (without
// extension) must match the declared locale.
func LoadFS(catalogFS fs.FS) (*Bundle, error) {
	paths, err := fs.Glob(catalogFS, "*.yaml")
	if err != nil {
		return nil, fmt.Errorf("glob locale catalogs: %w", err)
	}
	if len(paths) == 0 {
		return nil, fmt.Errorf("no catalog files found")
	}
	sort.Strings(paths)

	bundle := &Bundle{locales: map[string]map[string]string{}}
	for _, path := range paths {
		data, err := fs.ReadFile(catalogFS, path)
		if err != nil {
			return nil, fmt.Errorf("read catalog %s: %w", path, err)
		}
		var file catalogFile
		if err := yaml.Unmarshal(data, &file); err != nil {
			return nil, fmt.Errorf("parse catalog %s: %w", path, err)
		}
		if err := bundle.addFile(path, file); err != nil {
			return nil, err
		}
	}

	if _, ok := bundle.locales[BaseLocale]; !ok {
		return nil, fmt.Errorf("base locale %s is not defined in catalogs", BaseLocale)
	}

	// The base locale leads so it wins matcher ties and fallbacks.
	tags := []language.Tag{language.Make(BaseLocale)}
	for locale := range bundle.locales {
		if locale != BaseLocale {
			tags = append(tags, language.Make(locale))
		}
	}
	bundle.tags = tags
	bundle.matcher = language.NewMatcher(tags)
	return bundle, nil
}

func (b *Bundle) addFile(path string, file catalogFile) error {
	locale := strings.TrimSpace(file.Locale)
	if locale == "" {
		return fmt.Errorf("catalog %s: locale is required", path)
	}
	nameFromPath := strings.TrimSuffix(path, ".yaml")
	if locale != nameFromPath {
		return fmt.Errorf("catalog %s: locale %q must match filename", path, locale)
	}
	if len(file.Messages) == 0 {
		return fmt.Errorf("catalog %s: messages map is required", path)
	}
	if _, exists := b.locales[locale]; exists {
		return fmt.Errorf("catalog %s: locale %q already defined", path, locale)
	}

	messages := make(map[string]string, len(file.Messages))
	for key, value := range file.Messages {
		key = strings.TrimSpace(key)
		if key == "" {
			return fmt.Errorf("catalog %s: message key cannot be blank", path)
		}
		messages[key] = value
	}
	b.locales[locale] = messages
	return nil
}

// Locales returns the defined locale names, base locale first.
func (b *Bundle) Locales() []string {
	out := make([]string, 0, len(b.tags))
	for _, tag := range b.tags {
		out = append(out, tag.String())
	}
	return out
}

// Lookup resolves key for the best-matching locale, falling back to the
// base locale for missing keys. The boolean is false when no catalog
// defines the key.
func (b *Bundle) Lookup(locale, key string) (string, bool) {
	matched := BaseLocale
	if strings.TrimSpace(locale) != "" {
		// Use the matched index, not the returned tag: the matcher may
		// decorate the tag with extensions that no longer key the map.
		_, index := language.MatchStrings(b.matcher, locale)
		matched = b.tags[index].String()
	}
	if value, ok := b.lookupExact(matched, key); ok {
		return value, true
	}
	return b.lookupExact(BaseLocale, key)
}

// Name resolves key for locale, returning the key itself when no catalog
// defines it so missing translations stay visible instead of blank.
func (b *Bundle) Name(locale, key string) string {
	if value, ok := b.Lookup(locale, key); ok {
		return value
	}
	return key
}

func (b *Bundle) lookupExact(locale, key string) (string, bool) {
	messages, ok := b.locales[locale]
	if !ok {
		return "", false
	}
	value, ok := messages[key]
	return value, ok
}
