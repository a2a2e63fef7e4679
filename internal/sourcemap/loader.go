/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package sourcemap

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"os"
	"regexp"
	"strings"
	"time"

	"github.com/go-logr/logr"

	"github.com/microsoft/dap-engine/internal/pathmap"
)

const (
	DefaultFetchTimeout = 5 * time.Second
	maxSourceMapSize    = 64 * 1024 * 1024
)

var sourceMappingURLPattern = regexp.MustCompile(`(?m)^\s*//[#@]\s*sourceMappingURL\s*=\s*(\S+)\s*$`)

// ExtractSourceMappingURL returns the last sourceMappingURL comment found in generated code.
func ExtractSourceMappingURL(code string) (string, bool) {
	matches := sourceMappingURLPattern.FindAllStringSubmatch(code, -1)
	if len(matches) == 0 {
		return "", false
	}
	return matches[len(matches)-1][1], true
}

// Loader fetches and parses source maps referenced by loaded scripts.
type Loader struct {
	opts       Options
	httpClient *http.Client
	readFile   func(string) ([]byte, error)
	log        logr.Logger
}

func NewLoader(opts Options, log logr.Logger) *Loader {
	return &Loader{
		opts:       opts,
		httpClient: &http.Client{Timeout: DefaultFetchTimeout},
		readFile:   os.ReadFile,
		log:        log,
	}
}

// Load resolves sourceMapURL relative to the generated script URL, fetches it and parses the map.
// Supported locations are data: URIs, file URLs or paths, and http(s) URLs.
func (l *Loader) Load(ctx context.Context, scriptURL string, sourceMapURL string) (*SourceMap, error) {
	if sourceMapURL == "" {
		return nil, errors.New("script has no source map")
	}

	generatedPath := scriptURL
	if pathmap.IsFileURL(scriptURL) {
		generatedPath = pathmap.FileURLToPath(scriptURL)
	}

	if strings.HasPrefix(sourceMapURL, "data:") {
		data, err := decodeDataURI(sourceMapURL)
		if err != nil {
			return nil, fmt.Errorf("failed to decode inline source map of '%s': %w", scriptURL, err)
		}
		return Parse(data, generatedPath, "", l.opts)
	}

	location := resolveMapLocation(scriptURL, sourceMapURL)
	l.log.V(1).Info("Loading source map", "Script", scriptURL, "SourceMap", location)

	data, err := l.fetch(ctx, location)
	if err != nil {
		return nil, err
	}
	return Parse(data, generatedPath, location, l.opts)
}

func (l *Loader) fetch(ctx context.Context, location string) ([]byte, error) {
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, location, nil)
		if err != nil {
			return nil, err
		}
		resp, err := l.httpClient.Do(req)
		if err != nil {
			return nil, fmt.Errorf("failed to fetch source map '%s': %w", location, err)
		}
		defer resp.Body.Close()
		if resp.StatusCode != http.StatusOK {
			return nil, fmt.Errorf("failed to fetch source map '%s': %s", location, resp.Status)
		}
		return io.ReadAll(io.LimitReader(resp.Body, maxSourceMapSize))
	}

	data, err := l.readFile(pathmap.FileURLToPath(location))
	if err != nil {
		return nil, fmt.Errorf("failed to read source map '%s': %w", location, err)
	}
	return data, nil
}

// localMapPath returns the local file a source map is read from, if it is not inline or remote.
func (l *Loader) localMapPath(scriptURL string, sourceMapURL string) (string, bool) {
	if sourceMapURL == "" || strings.HasPrefix(sourceMapURL, "data:") {
		return "", false
	}
	location := resolveMapLocation(scriptURL, sourceMapURL)
	if strings.HasPrefix(location, "http://") || strings.HasPrefix(location, "https://") {
		return "", false
	}
	return pathmap.FileURLToPath(location), true
}

// resolveMapLocation resolves a possibly relative source map URL against the script URL.
func resolveMapLocation(scriptURL string, sourceMapURL string) string {
	if strings.Contains(sourceMapURL, "://") || strings.HasPrefix(sourceMapURL, "/") || pathmap.IsWindowsPath(sourceMapURL) {
		return sourceMapURL
	}

	if base, err := url.Parse(scriptURL); err == nil && base.Scheme != "" && !pathmap.IsWindowsPath(scriptURL) {
		if ref, refErr := url.Parse(sourceMapURL); refErr == nil {
			return base.ResolveReference(ref).String()
		}
	}

	return joinRelative(pathmap.FileURLToPath(scriptURL), sourceMapURL)
}

func decodeDataURI(uri string) ([]byte, error) {
	header, payload, found := strings.Cut(strings.TrimPrefix(uri, "data:"), ",")
	if !found {
		return nil, errors.New("malformed data URI")
	}
	if strings.HasSuffix(header, ";base64") {
		return base64.StdEncoding.DecodeString(payload)
	}
	decoded, err := url.PathUnescape(payload)
	if err != nil {
		return nil, err
	}
	return []byte(decoded), nil
}
