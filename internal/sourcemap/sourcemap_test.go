/*---------------------------------------------------------------------------------------------
 *  Copyright (c) Microsoft Corporation. All rights reserved.
 *  Licensed under the MIT License. See LICENSE in the project root for license information.
 *--------------------------------------------------------------------------------------------*/

package sourcemap

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"k8s.io/apimachinery/pkg/util/wait"

	"github.com/microsoft/dap-engine/pkg/testutil"
)

const defaultTestTimeout = 10 * time.Second

func encodeVLQ(dst []byte, v int) []byte {
	vlq := v << 1
	if v < 0 {
		vlq = (-v << 1) | 1
	}
	for {
		digit := vlq & vlqBaseMask
		vlq >>= vlqBaseShift
		if vlq > 0 {
			digit |= vlqContinuationBit
		}
		dst = append(dst, base64Alphabet[digit])
		if vlq == 0 {
			return dst
		}
	}
}

// seg is an absolute mapping: generated column, source index, authored line, authored column.
type seg struct {
	genCol, src, line, col int
}

// encodeMappings builds a mappings string from absolute segments, one slice per generated line.
func encodeMappings(lines [][]seg) string {
	var out []byte
	var prevSrc, prevLine, prevCol int
	for i, line := range lines {
		if i > 0 {
			out = append(out, ';')
		}
		prevGenCol := 0
		for j, s := range line {
			if j > 0 {
				out = append(out, ',')
			}
			out = encodeVLQ(out, s.genCol-prevGenCol)
			out = encodeVLQ(out, s.src-prevSrc)
			out = encodeVLQ(out, s.line-prevLine)
			out = encodeVLQ(out, s.col-prevCol)
			prevGenCol, prevSrc, prevLine, prevCol = s.genCol, s.src, s.line, s.col
		}
	}
	return string(out)
}

func makeMap(t *testing.T, sources []string, lines [][]seg) []byte {
	data, err := json.Marshal(map[string]any{
		"version":  3,
		"file":     "app.js",
		"sources":  sources,
		"names":    []string{},
		"mappings": encodeMappings(lines),
	})
	require.NoError(t, err)
	return data
}

func TestVLQRoundTrip(t *testing.T) {
	t.Parallel()

	for _, v := range []int{0, 1, -1, 15, -15, 16, 31, 32, -32, 1000, -1000, 123456789} {
		encoded := string(encodeVLQ(nil, v))
		decoded, n, err := decodeVLQ(encoded)
		require.NoError(t, err, "value %d", v)
		assert.Equal(t, v, decoded)
		assert.Equal(t, len(encoded), n)
	}
}

func TestVLQKnownValues(t *testing.T) {
	t.Parallel()

	v, _, err := decodeVLQ("A")
	require.NoError(t, err)
	assert.Equal(t, 0, v)

	v, _, err = decodeVLQ("C")
	require.NoError(t, err)
	assert.Equal(t, 1, v)

	v, _, err = decodeVLQ("D")
	require.NoError(t, err)
	assert.Equal(t, -1, v)

	v, _, err = decodeVLQ("gB")
	require.NoError(t, err)
	assert.Equal(t, 16, v)

	_, _, err = decodeVLQ("g")
	assert.ErrorIs(t, err, errVLQTruncated)

	_, _, err = decodeVLQ("!")
	assert.Error(t, err)
}

func TestDecodeSegmentRejectsInvalidFieldCounts(t *testing.T) {
	t.Parallel()

	_, err := decodeSegment("AA")
	assert.Error(t, err)
	_, err = decodeSegment("AAAAAA")
	assert.Error(t, err)

	s, err := decodeSegment("AAAA")
	require.NoError(t, err)
	assert.Equal(t, 4, s.count)
}

func TestParseRejectsOtherVersions(t *testing.T) {
	t.Parallel()

	_, err := Parse([]byte(`{"version":2,"sources":[],"mappings":""}`), "/app/app.js", "", Options{})
	assert.ErrorIs(t, err, ErrUnsupportedSourceMap)

	_, err = Parse([]byte(`not json`), "/app/app.js", "", Options{})
	assert.Error(t, err)
}

func TestSourceMap_AuthoredPosition(t *testing.T) {
	t.Parallel()

	data := makeMap(t, []string{"app.ts"}, [][]seg{
		{{0, 0, 0, 0}, {10, 0, 0, 8}},
		{{4, 0, 2, 4}},
	})
	sm, err := Parse(data, "/app/out/app.js", "", Options{})
	require.NoError(t, err)

	pos, found := sm.AuthoredPosition(Position{Line: 0, Column: 12})
	require.True(t, found)
	assert.Equal(t, "/app/out/app.ts", pos.Source)
	assert.Equal(t, Position{Line: 0, Column: 8}, pos.Position)

	// Before the first mapping of the line the closest mapping after the column is used.
	pos, found = sm.AuthoredPosition(Position{Line: 1, Column: 0})
	require.True(t, found)
	assert.Equal(t, Position{Line: 2, Column: 4}, pos.Position)

	_, found = sm.AuthoredPosition(Position{Line: 5, Column: 0})
	assert.False(t, found)
}

func TestSourceMap_GeneratedPositionFallsBackToNextLine(t *testing.T) {
	t.Parallel()

	// Authored line 3 ("async function main() {") has no mapping of its own.
	data := makeMap(t, []string{"app.ts"}, [][]seg{
		{{0, 0, 0, 0}},
		{{0, 0, 1, 0}},
		{{4, 0, 4, 4}, {12, 0, 4, 12}},
	})
	sm, err := Parse(data, "/app/app.js", "", Options{})
	require.NoError(t, err)

	pos, found := sm.GeneratedPosition("/app/app.ts", Position{Line: 1, Column: 0})
	require.True(t, found)
	assert.Equal(t, Position{Line: 1, Column: 0}, pos)

	pos, found = sm.GeneratedPosition("/app/app.ts", Position{Line: 3, Column: 0})
	require.True(t, found)
	assert.Equal(t, Position{Line: 2, Column: 4}, pos)

	pos, found = sm.GeneratedPosition("/app/app.ts", Position{Line: 4, Column: 20})
	require.True(t, found)
	assert.Equal(t, Position{Line: 2, Column: 12}, pos)

	_, found = sm.GeneratedPosition("/app/app.ts", Position{Line: 10, Column: 0})
	assert.False(t, found)

	_, found = sm.GeneratedPosition("/app/other.ts", Position{Line: 0, Column: 0})
	assert.False(t, found)
}

func TestSourceMap_RoundTripOnMappedPositions(t *testing.T) {
	t.Parallel()

	lines := [][]seg{
		{{0, 0, 0, 0}, {6, 0, 0, 6}, {14, 1, 3, 2}},
		{{2, 1, 4, 0}, {9, 0, 7, 1}},
		{},
		{{0, 1, 10, 0}},
	}
	sm, err := Parse(makeMap(t, []string{"a.ts", "b.ts"}, lines), "/src/bundle.js", "", Options{})
	require.NoError(t, err)

	for genLine, line := range lines {
		for _, s := range line {
			authored, found := sm.AuthoredPosition(Position{Line: genLine, Column: s.genCol})
			require.True(t, found)

			generated, found := sm.GeneratedPosition(authored.Source, authored.Position)
			require.True(t, found)
			assert.Equal(t, Position{Line: genLine, Column: s.genCol}, generated)
		}
	}
}

func TestSourceMap_FirstPositions(t *testing.T) {
	t.Parallel()

	data := makeMap(t, []string{"lib.ts", "app.ts"}, [][]seg{
		{{0, 1, 0, 0}},
		{{0, 0, 0, 0}, {5, 1, 1, 0}},
	})
	sm, err := Parse(data, "/app/bundle.js", "", Options{})
	require.NoError(t, err)

	first := sm.FirstPositions()
	expected := []SourcePosition{
		{Source: "/app/app.ts", Position: Position{}},
		{Source: "/app/lib.ts", Position: Position{Line: 1}},
	}
	require.Empty(t, cmp.Diff(expected, first), "first positions differ (-want +got)")

	// Computed once.
	assert.Same(t, &first[0], &sm.FirstPositions()[0])
}

func TestParseResolvesSourcesAgainstRootAndOverrides(t *testing.T) {
	t.Parallel()

	data, err := json.Marshal(map[string]any{
		"version":    3,
		"sourceRoot": "../src",
		"sources":    []string{"main.ts", "webpack:///./lib/util.ts", "/abs/other.ts"},
		"mappings":   "",
	})
	require.NoError(t, err)

	sm, err := Parse(data, "/proj/dist/main.js", "", Options{
		PathOverrides: map[string]string{"webpack:///./*": "/proj/*"},
	})
	require.NoError(t, err)

	assert.Equal(t, []string{"/proj/src/main.ts", "/proj/lib/util.ts", "/abs/other.ts"}, sm.Sources())
	assert.True(t, sm.HasSource("/proj/src/main.ts"))
}

func TestParseCaseInsensitiveSources(t *testing.T) {
	t.Parallel()

	data := makeMap(t, []string{"C:\\Proj\\App.ts"}, [][]seg{{{0, 0, 0, 0}}})
	sm, err := Parse(data, `C:\Proj\app.js`, "", Options{CaseInsensitive: true})
	require.NoError(t, err)
	assert.Equal(t, []string{`c:\proj\app.ts`}, sm.Sources())
}

func TestParseIndexMapSections(t *testing.T) {
	t.Parallel()

	section := func(source string, lines [][]seg) map[string]any {
		return map[string]any{
			"version":  3,
			"sources":  []string{source},
			"mappings": encodeMappings(lines),
		}
	}
	data, err := json.Marshal(map[string]any{
		"version": 3,
		"sections": []map[string]any{
			{"offset": map[string]int{"line": 0, "column": 0}, "map": section("a.ts", [][]seg{{{0, 0, 0, 0}}})},
			{"offset": map[string]int{"line": 5, "column": 10}, "map": section("b.ts", [][]seg{{{2, 0, 1, 0}}, {{0, 0, 2, 0}}})},
		},
	})
	require.NoError(t, err)

	sm, err := Parse(data, "/x/bundle.js", "", Options{})
	require.NoError(t, err)

	pos, found := sm.GeneratedPosition("/x/b.ts", Position{Line: 1})
	require.True(t, found)
	assert.Equal(t, Position{Line: 5, Column: 12}, pos)

	// The column offset applies to the first line of a section only.
	pos, found = sm.GeneratedPosition("/x/b.ts", Position{Line: 2})
	require.True(t, found)
	assert.Equal(t, Position{Line: 6, Column: 0}, pos)
}

func TestSourceContent(t *testing.T) {
	t.Parallel()

	data := []byte(`{"version":3,"sources":["a.ts","b.ts"],"sourcesContent":["let a = 1;",null],"mappings":"AAAA"}`)
	sm, err := Parse(data, "/w/a.js", "", Options{})
	require.NoError(t, err)

	content, found := sm.SourceContent("/w/a.ts")
	require.True(t, found)
	assert.Equal(t, "let a = 1;", content)

	_, found = sm.SourceContent("/w/b.ts")
	assert.False(t, found)
}

func TestExtractSourceMappingURL(t *testing.T) {
	t.Parallel()

	code := "var a = 1;\n//# sourceMappingURL=old.js.map\nvar b;\n//# sourceMappingURL=app.js.map\n"
	url, found := ExtractSourceMappingURL(code)
	require.True(t, found)
	assert.Equal(t, "app.js.map", url)

	_, found = ExtractSourceMappingURL("var a = 1;")
	assert.False(t, found)
}

func TestLoaderLoadsInlineAndFileMaps(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	data := makeMap(t, []string{"app.ts"}, [][]seg{{{0, 0, 0, 0}}})
	loader := NewLoader(Options{}, testutil.NewLogForTesting(t.Name()))

	inline := "data:application/json;base64," + base64.StdEncoding.EncodeToString(data)
	sm, err := loader.Load(ctx, "file:///app/app.js", inline)
	require.NoError(t, err)
	assert.Equal(t, []string{"/app/app.ts"}, sm.Sources())

	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "maps"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "maps", "app.js.map"), data, 0o644))

	scriptPath := filepath.ToSlash(filepath.Join(dir, "app.js"))
	sm, err = loader.Load(ctx, scriptPath, "maps/app.js.map")
	require.NoError(t, err)
	// Sources resolve against the directory of the map.
	assert.True(t, strings.HasSuffix(sm.Sources()[0], "/maps/app.ts"))
}

func TestCacheLoadsOnce(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	data := makeMap(t, []string{"app.ts"}, [][]seg{{{0, 0, 0, 0}}})
	loader := NewLoader(Options{}, testutil.NewLogForTesting(t.Name()))
	reads := 0
	loader.readFile = func(string) ([]byte, error) {
		reads++
		return data, nil
	}

	cache, err := NewCache(loader, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer cache.Close()

	req := Request{ScriptURL: "/app/app.js", SourceMapURL: "app.js.map"}
	first, err := cache.Get(ctx, req)
	require.NoError(t, err)
	second, err := cache.Get(ctx, req)
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, 1, reads)

	cache.Reset()
	_, err = cache.Get(ctx, req)
	require.NoError(t, err)
	assert.Equal(t, 2, reads)
}

func TestCacheGetAllSkipsFailures(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	data := makeMap(t, []string{"app.ts"}, [][]seg{{{0, 0, 0, 0}}})
	loader := NewLoader(Options{}, testutil.NewLogForTesting(t.Name()))
	loader.readFile = func(p string) ([]byte, error) {
		if strings.Contains(p, "missing") {
			return nil, os.ErrNotExist
		}
		return data, nil
	}

	cache, err := NewCache(loader, testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer cache.Close()

	maps, err := cache.GetAll(ctx, []Request{
		{ScriptURL: "/app/a.js", SourceMapURL: "a.js.map"},
		{ScriptURL: "/app/missing.js", SourceMapURL: "missing.js.map"},
	})
	require.NoError(t, err)
	require.Len(t, maps, 2)
	assert.NotNil(t, maps[0])
	assert.Nil(t, maps[1])
}

func TestCacheDropsChangedMapFiles(t *testing.T) {
	t.Parallel()

	ctx, cancel := testutil.GetTestContext(t, defaultTestTimeout)
	defer cancel()

	dir := t.TempDir()
	mapPath := filepath.Join(dir, "app.js.map")
	require.NoError(t, os.WriteFile(mapPath, makeMap(t, []string{"app.ts"}, [][]seg{{{0, 0, 0, 0}}}), 0o644))

	cache, err := NewCache(NewLoader(Options{}, testutil.NewLogForTesting(t.Name())), testutil.NewLogForTesting(t.Name()))
	require.NoError(t, err)
	defer cache.Close()
	require.NoError(t, cache.WatchFiles(ctx))

	req := Request{ScriptURL: filepath.ToSlash(filepath.Join(dir, "app.js")), SourceMapURL: "app.js.map"}
	sm, err := cache.Get(ctx, req)
	require.NoError(t, err)
	require.True(t, strings.HasSuffix(sm.Sources()[0], "/app.ts"))

	require.NoError(t, os.WriteFile(mapPath, makeMap(t, []string{"main.ts"}, [][]seg{{{0, 0, 0, 0}}}), 0o644))

	err = wait.PollUntilContextCancel(ctx, 50*time.Millisecond, true, func(pollCtx context.Context) (bool, error) {
		reloaded, getErr := cache.Get(pollCtx, req)
		if getErr != nil {
			// The file may be caught half written.
			return false, nil
		}
		return strings.HasSuffix(reloaded.Sources()[0], "/main.ts"), nil
	})
	require.NoError(t, err, "the rebuilt source map was never picked up")
}
