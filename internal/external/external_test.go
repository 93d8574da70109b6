package external

import (
	"bytes"
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"jarpatch/internal/cache"
)

func needShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestRunDrainsOutputToLog(t *testing.T) {
	needShell(t)
	var logs bytes.Buffer
	r := NewRunner(zerolog.New(&logs).Level(zerolog.DebugLevel))

	err := r.Run(context.Background(), Command{Tool: "echo", Path: "sh", Args: []string{"-c", "echo one; echo two 1>&2"}})
	require.NoError(t, err)
	assert.Contains(t, logs.String(), `"message":"one"`)
	assert.Contains(t, logs.String(), `"stream":"stderr"`)
	assert.Contains(t, logs.String(), `"tool":"echo"`)
}

func TestRunCapturesStdout(t *testing.T) {
	needShell(t)
	var out bytes.Buffer
	r := NewRunner(zerolog.Nop())
	err := r.Run(context.Background(), Command{
		Tool: "cat", Path: "sh", Args: []string{"-c", "cat"},
		Stdin: strings.NewReader("payload"), Stdout: &out,
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", out.String())
}

func TestRunExitError(t *testing.T) {
	needShell(t)
	r := NewRunner(zerolog.Nop())
	err := r.Run(context.Background(), Command{Tool: "failing", Path: "sh", Args: []string{"-c", "echo broken input >&2; exit 3"}})

	var ee *ExitError
	require.ErrorAs(t, err, &ee)
	assert.Equal(t, 3, ee.Code)
	assert.Equal(t, "broken input", ee.Stderr)
	assert.Equal(t, "failing exited with status 3: broken input", ee.Error())
}

func TestRunTimeout(t *testing.T) {
	needShell(t)
	r := NewRunner(zerolog.Nop())
	start := time.Now()
	err := r.Run(context.Background(), Command{Tool: "slow", Path: "sh", Args: []string{"-c", "exec sleep 10"}, Timeout: 100 * time.Millisecond})
	assert.ErrorIs(t, err, ErrTimeout)
	assert.Less(t, time.Since(start), 8*time.Second)
}

func TestRunCancelled(t *testing.T) {
	needShell(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewRunner(zerolog.Nop()).Run(ctx, Command{Tool: "x", Path: "sh", Args: []string{"-c", "true"}})
	assert.ErrorIs(t, err, context.Canceled)
}

func TestRunMissingBinary(t *testing.T) {
	err := NewRunner(zerolog.Nop()).Run(context.Background(), Command{Tool: "ghost", Path: "/nonexistent/tool"})
	require.Error(t, err)
	var ee *ExitError
	assert.False(t, errors.As(err, &ee))
}

func TestExpand(t *testing.T) {
	p, args, err := Expand([]string{"java", "-jar", "vf.jar", "{input}", "{output}/src"}, map[string]string{"input": "a.jar", "output": "/tmp/o"})
	require.NoError(t, err)
	assert.Equal(t, "java", p)
	assert.Equal(t, []string{"-jar", "vf.jar", "a.jar", "/tmp/o/src"}, args)

	_, _, err = Expand(nil, nil)
	assert.Error(t, err)
}

func TestCommandDecompilerAndRebuilder(t *testing.T) {
	needShell(t)
	dir := t.TempDir()
	artifact := filepath.Join(dir, "game.jar")
	require.NoError(t, os.WriteFile(artifact, []byte("jar"), 0o644))
	src := filepath.Join(dir, "src")

	r := NewRunner(zerolog.Nop())
	dec := &CommandDecompiler{Runner: r, Command: []string{"sh", "-c", `mkdir -p "$2" && cp "$1" "$2/A.java"`, "sh", "{input}", "{output}"}}
	require.NoError(t, dec.Decompile(context.Background(), artifact, src))
	b, err := os.ReadFile(filepath.Join(src, "A.java"))
	require.NoError(t, err)
	assert.Equal(t, "jar", string(b))

	assert.Error(t, dec.Decompile(context.Background(), filepath.Join(dir, "missing.jar"), src))

	reb := &CommandRebuilder{Runner: r, Command: []string{"sh", "-c", `cat A.java > "$1"`, "sh", "{output}"}, Output: "out.jar"}
	out, err := reb.Rebuild(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(src, "out.jar"), out)

	noop := &CommandRebuilder{Runner: r, Command: []string{"sh", "-c", "true"}, Output: "out.jar"}
	_, err = noop.Rebuild(context.Background(), src)
	assert.ErrorContains(t, err, "expected output")
}

func versionsServer(t *testing.T, payload []byte, hits *int32) *httptest.Server {
	t.Helper()
	mux := http.NewServeMux()
	srv := httptest.NewServer(mux)
	mux.HandleFunc("/versions.yaml", func(w http.ResponseWriter, r *http.Request) {
		sum := cache.HashBytes(payload)
		_, _ = w.Write([]byte("versions:\n" +
			"  - id: \"1.0\"\n    url: " + srv.URL + "/v1.jar\n    sha256: \"" + sum + "\"\n" +
			"  - id: bad\n    url: " + srv.URL + "/v1.jar\n    sha256: \"" + strings.Repeat("0", 64) + "\"\n" +
			"  - id: gone\n    url: " + srv.URL + "/missing.jar\n"))
	})
	mux.HandleFunc("/v1.jar", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(hits, 1)
		_, _ = w.Write(payload)
	})
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPFetcher(t *testing.T) {
	payload := []byte("original binary")
	var hits int32
	srv := versionsServer(t, payload, &hits)
	store := cache.Open(t.TempDir())
	f := NewHTTPFetcher(srv.URL+"/versions.yaml", 5*time.Second, store, zerolog.Nop())

	got, err := f.FetchBaseline(context.Background(), "1.0")
	require.NoError(t, err)
	assert.Equal(t, payload, got)
	assert.True(t, store.HasBlob(cache.HashBytes(payload)))

	again, err := f.FetchBaseline(context.Background(), "1.0")
	require.NoError(t, err)
	assert.Equal(t, payload, again)
	assert.Equal(t, int32(1), atomic.LoadInt32(&hits), "second fetch must come from the cache")

	_, err = f.FetchBaseline(context.Background(), "bad")
	var ce *ChecksumError
	assert.ErrorAs(t, err, &ce)

	_, err = f.FetchBaseline(context.Background(), "nope")
	assert.ErrorIs(t, err, ErrUnknownVersion)

	_, err = f.FetchBaseline(context.Background(), "gone")
	assert.ErrorContains(t, err, "404")
}

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte("versions:\n  - id: a\n    url: http://x/a.jar\n    sha256: ABCDEF\n"))
	require.NoError(t, err)
	v, err := m.Lookup("a")
	require.NoError(t, err)
	assert.Equal(t, "abcdef", v.SHA256)

	_, err = ParseManifest([]byte("versions:\n  - id: a\n"))
	assert.Error(t, err)
	_, err = ParseManifest([]byte("versions: ["))
	assert.Error(t, err)
}

func TestLocalManifest(t *testing.T) {
	p := filepath.Join(t.TempDir(), "versions.yaml")
	require.NoError(t, os.WriteFile(p, []byte("versions: []\n"), 0o644))
	f := NewHTTPFetcher(p, time.Second, nil, zerolog.Nop())
	_, err := f.FetchBaseline(context.Background(), "x")
	assert.ErrorIs(t, err, ErrUnknownVersion)
}

func TestFileURLs(t *testing.T) {
	dir := t.TempDir()
	payload := []byte("mirrored binary")
	jar := filepath.Join(dir, "v1.jar")
	require.NoError(t, os.WriteFile(jar, payload, 0o644))
	manifest := filepath.Join(dir, "versions.yaml")
	require.NoError(t, os.WriteFile(manifest, []byte("versions:\n"+
		"  - id: \"1.0\"\n    url: file://"+filepath.ToSlash(jar)+"\n    sha256: \""+cache.HashBytes(payload)+"\"\n"+
		"  - id: gone\n    url: file://"+filepath.ToSlash(filepath.Join(dir, "missing.jar"))+"\n"), 0o644))

	f := NewHTTPFetcher("file://"+filepath.ToSlash(manifest), time.Second, nil, zerolog.Nop())
	got, err := f.FetchBaseline(context.Background(), "1.0")
	require.NoError(t, err)
	assert.Equal(t, payload, got)

	_, err = f.FetchBaseline(context.Background(), "gone")
	assert.ErrorContains(t, err, "404")
}

func TestDetectBuild(t *testing.T) {
	mvn := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(mvn, "pom.xml"), []byte(`<project>
  <artifactId>client</artifactId>
  <version>1.4</version>
  <properties><maven.compiler.release>17</maven.compiler.release></properties>
</project>`), 0o644))
	bs := DetectBuild(mvn)
	assert.Equal(t, "maven", bs.Name)
	assert.Equal(t, "17", bs.JDK)
	assert.Equal(t, "client", bs.Module)
	assert.Equal(t, "target/client-1.4.jar", bs.Output)

	gradle := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(gradle, "build.gradle"), []byte("java {\n  sourceCompatibility = JavaVersion.VERSION_1_8\n}\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gradle, "settings.gradle"), []byte("rootProject.name = 'mod'\n"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(gradle, "gradlew"), []byte("#!/bin/sh\n"), 0o755))
	bs = DetectBuild(gradle)
	assert.Equal(t, "gradle", bs.Name)
	assert.Equal(t, "8", bs.JDK)
	assert.Equal(t, "mod", bs.Module)
	assert.Equal(t, []string{"./gradlew", "-q", "jar"}, bs.Command)
	assert.Equal(t, "build/libs/*.jar", bs.Output)

	assert.Equal(t, BuildSystem{}, DetectBuild(t.TempDir()))
}

func TestNormalizeJDK(t *testing.T) {
	for in, want := range map[string]string{"1.8": "8", "17.0.1": "17", "21": "21", "": "", "x": ""} {
		assert.Equal(t, want, normalizeJDK(in), in)
	}
}

func TestRebuilderDetectsBuildAndGlobsOutput(t *testing.T) {
	needShell(t)
	src := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(src, "build.gradle"), []byte("plugins { id 'java' }\n"), 0o644))
	script := "#!/bin/sh\nmkdir -p build/libs && echo built > build/libs/app-1.0.jar\n"
	require.NoError(t, os.WriteFile(filepath.Join(src, "gradlew"), []byte(script), 0o755))

	reb := &CommandRebuilder{Runner: NewRunner(zerolog.Nop())}
	out, err := reb.Rebuild(context.Background(), src)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(src, "build", "libs", "app-1.0.jar"), out)

	require.NoError(t, os.WriteFile(filepath.Join(src, "build", "libs", "other.jar"), nil, 0o644))
	multi := &CommandRebuilder{Runner: NewRunner(zerolog.Nop()), Command: []string{"sh", "-c", "touch build/libs/a.jar build/libs/b.jar"}, Output: "build/libs/*.jar"}
	_, err = multi.Rebuild(context.Background(), src)
	assert.ErrorContains(t, err, "matches 2 files")

	_, err = (&CommandRebuilder{Runner: NewRunner(zerolog.Nop())}).Rebuild(context.Background(), t.TempDir())
	assert.ErrorContains(t, err, "no command configured")
}
