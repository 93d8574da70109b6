package external

import (
	"encoding/xml"
	"os"
	"path/filepath"
	"regexp"
	"strings"
)

// BuildSystem is what DetectBuild learned about a source tree: how to build
// it and where the built jar lands.
type BuildSystem struct {
	Name    string // "maven", "gradle" or "" (unknown)
	JDK     string // e.g. "21", "17", "8"; best effort
	Module  string
	Command []string
	Output  string // path or glob relative to the tree
}

// DetectBuild probes root for a build file. Maven wins over Gradle when both
// are present. An unknown tree yields a zero BuildSystem.
func DetectBuild(root string) BuildSystem {
	if p := firstExisting(root, "pom.xml"); p != "" {
		if bs, ok := detectMaven(root, p); ok {
			return bs
		}
	}
	if p := firstExisting(root, "build.gradle", "build.gradle.kts"); p != "" {
		if bs, ok := detectGradle(root, p); ok {
			return bs
		}
	}
	return BuildSystem{}
}

type pomXML struct {
	XMLName    xml.Name  `xml:"project"`
	ArtifactID string    `xml:"artifactId"`
	Version    string    `xml:"version"`
	Packaging  string    `xml:"packaging"`
	Parent     pomParent `xml:"parent"`
	Build      pomBuild  `xml:"build"`
	Props      pomProps  `xml:"properties"`
}

type pomParent struct {
	Version string `xml:"version"`
}

type pomBuild struct {
	FinalName string `xml:"finalName"`
}

type pomProps struct {
	Source  string `xml:"maven.compiler.source"`
	Target  string `xml:"maven.compiler.target"`
	Release string `xml:"maven.compiler.release"`
	JavaVer string `xml:"java.version"`
}

func detectMaven(root, pomPath string) (BuildSystem, bool) {
	b, err := os.ReadFile(pomPath)
	if err != nil {
		return BuildSystem{}, false
	}
	var p pomXML
	if err := xml.Unmarshal(b, &p); err != nil {
		return BuildSystem{}, false
	}
	version := firstNonEmpty(p.Version, p.Parent.Version)

	// Property references such as ${revision} cannot be resolved here.
	output := "target/*.jar"
	switch name := firstNonEmpty(p.Build.FinalName); {
	case name != "" && !strings.Contains(name, "${"):
		output = "target/" + name + ".jar"
	case p.ArtifactID != "" && version != "" && !strings.Contains(version, "${"):
		output = "target/" + p.ArtifactID + "-" + version + ".jar"
	}

	return BuildSystem{
		Name:    "maven",
		JDK:     normalizeJDK(firstNonEmpty(p.Props.Release, p.Props.Target, p.Props.Source, p.Props.JavaVer)),
		Module:  firstNonEmpty(p.ArtifactID, filepath.Base(root)),
		Command: []string{"mvn", "-q", "-DskipTests", "package"},
		Output:  output,
	}, true
}

var (
	reGradleCompatQuoted = regexp.MustCompile(`(?m)^\s*(?:sourceCompatibility|targetCompatibility)\s*=\s*["']?(\d{1,2})["']?`)
	reGradleCompatEnum   = regexp.MustCompile(`(?m)^\s*(?:sourceCompatibility|targetCompatibility)\s*=\s*JavaVersion\.VERSION_(\d{1,2}(?:_\d+)?)`)
	reGradleToolchain    = regexp.MustCompile(`languageVersion\s*(?:=|\.set\()\s*JavaLanguageVersion\.of\((\d{1,2})\)`)
	reGradleRootName     = regexp.MustCompile(`(?m)^\s*rootProject\.name\s*=\s*["']([^"']+)["']`)
)

func detectGradle(root, buildPath string) (BuildSystem, bool) {
	b, err := os.ReadFile(buildPath)
	if err != nil {
		return BuildSystem{}, false
	}
	text := string(b)

	jdk := ""
	for _, re := range []*regexp.Regexp{reGradleToolchain, reGradleCompatQuoted, reGradleCompatEnum} {
		if m := re.FindStringSubmatch(text); m != nil {
			jdk = normalizeJDK(strings.ReplaceAll(m[1], "_", "."))
			break
		}
	}

	mod := ""
	if p := firstExisting(root, "settings.gradle", "settings.gradle.kts"); p != "" {
		if sb, err := os.ReadFile(p); err == nil {
			if m := reGradleRootName.FindStringSubmatch(string(sb)); m != nil {
				mod = m[1]
			}
		}
	}

	cmd := []string{"gradle", "-q", "jar"}
	if firstExisting(root, "gradlew") != "" {
		cmd[0] = "./gradlew"
	}
	return BuildSystem{
		Name:    "gradle",
		JDK:     jdk,
		Module:  firstNonEmpty(mod, filepath.Base(root)),
		Command: cmd,
		Output:  "build/libs/*.jar",
	}, true
}

func firstExisting(root string, names ...string) string {
	for _, n := range names {
		p := filepath.Join(root, n)
		if st, err := os.Stat(p); err == nil && !st.IsDir() {
			return p
		}
	}
	return ""
}

func firstNonEmpty(ss ...string) string {
	for _, s := range ss {
		if s = strings.TrimSpace(s); s != "" {
			return s
		}
	}
	return ""
}

// normalizeJDK turns "1.8", "17.0.1" or "21" into "8", "17" or "21".
func normalizeJDK(s string) string {
	s = strings.TrimSpace(s)
	s = strings.TrimPrefix(s, "1.")
	i := 0
	for i < len(s) && s[i] >= '0' && s[i] <= '9' {
		i++
	}
	return s[:i]
}
