// Package manifest renders the cluster object manifests the fleet applies.
//
// Rendering is a pure function of the template name and its parameters: the
// template function set excludes everything that reads the clock, the
// environment or a random source.
package manifest

import (
	"bufio"
	"bytes"
	"embed"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	utilyaml "k8s.io/apimachinery/pkg/util/yaml"
	"sigs.k8s.io/yaml"

	"github.com/efortin/vllm-fleet/pkg/fleeterr"
)

//go:embed templates/*.yaml.tmpl
var templateFS embed.FS

// Template names.
const (
	ResourceQuota  = "resource-quota"
	VolcanoQueue   = "volcano-queue"
	VLLMDeployment = "vllm-deployment"
	VolcanoJob     = "volcano-job"
)

// Kind is the expected shape of a template parameter.
type Kind int

const (
	String Kind = iota
	Int
	StringList
)

func (k Kind) String() string {
	switch k {
	case Int:
		return "integer"
	case StringList:
		return "string list"
	}
	return "string"
}

// Param declares one template parameter. Optional parameters are filled
// with their zero value when absent.
type Param struct {
	Name     string
	Kind     Kind
	Optional bool
}

var schemas = map[string][]Param{
	ResourceQuota: {
		{Name: "namespace", Kind: String},
		{Name: "gpuSlots", Kind: Int},
		{Name: "cpuCores", Kind: Int},
		{Name: "memoryGiB", Kind: Int},
	},
	VolcanoQueue: {
		{Name: "queueName", Kind: String},
		{Name: "gpuSlots", Kind: Int},
		{Name: "cpuCores", Kind: Int},
		{Name: "memoryGiB", Kind: Int},
	},
	VLLMDeployment: {
		{Name: "deploymentName", Kind: String},
		{Name: "serviceName", Kind: String},
		{Name: "namespace", Kind: String},
		{Name: "image", Kind: String},
		{Name: "modelName", Kind: String},
		{Name: "modelPath", Kind: String},
		{Name: "replicas", Kind: Int},
		{Name: "gpuPerReplica", Kind: Int},
		{Name: "cpuPerReplica", Kind: Int},
		{Name: "memoryGiBPerReplica", Kind: Int},
		{Name: "gpuMemoryMB", Kind: Int, Optional: true},
		{Name: "gpuCores", Kind: Int, Optional: true},
		{Name: "hostModelPath", Kind: String, Optional: true},
	},
	VolcanoJob: {
		{Name: "jobName", Kind: String},
		{Name: "namespace", Kind: String},
		{Name: "queueName", Kind: String},
		{Name: "image", Kind: String},
		{Name: "minAvailable", Kind: Int},
		{Name: "replicas", Kind: Int},
		{Name: "gpuPerPod", Kind: Int},
		{Name: "cpuPerPod", Kind: Int},
		{Name: "memoryGiBPerPod", Kind: Int},
		{Name: "gpuMemPerPod", Kind: Int, Optional: true},
		{Name: "gpuCoresPerPod", Kind: Int, Optional: true},
		{Name: "command", Kind: StringList, Optional: true},
	},
}

// nondeterministic lists sprig functions whose output depends on more than
// their arguments.
var nondeterministic = []string{
	"now", "date", "dateInZone", "date_in_zone", "dateModify", "date_modify",
	"mustDateModify", "must_date_modify", "ago", "htmlDate", "htmlDateInZone",
	"unixEpoch", "duration", "durationRound",
	"env", "expandenv", "getHostByName",
	"randAlpha", "randAlphaNum", "randAscii", "randNumeric", "randBytes", "randInt",
	"uuidv4", "shuffle",
	"genPrivateKey", "genCA", "genCAWithKey", "genSelfSignedCert", "genSelfSignedCertWithKey",
	"genSignedCert", "genSignedCertWithKey", "encryptAES", "bcrypt", "htpasswd",
}

func funcMap() template.FuncMap {
	fm := sprig.TxtFuncMap()
	for _, name := range nondeterministic {
		delete(fm, name)
	}
	return fm
}

// Renderer holds the parsed templates. It is safe for concurrent use.
type Renderer struct {
	templates map[string]*template.Template
}

// NewRenderer parses the embedded templates.
func NewRenderer() (*Renderer, error) {
	r := &Renderer{templates: make(map[string]*template.Template, len(schemas))}
	for name := range schemas {
		file := "templates/" + name + ".yaml.tmpl"
		raw, err := templateFS.ReadFile(file)
		if err != nil {
			return nil, fmt.Errorf("failed to read template %s: %w", file, err)
		}
		t, err := template.New(name).Option("missingkey=error").Funcs(funcMap()).Parse(string(raw))
		if err != nil {
			return nil, fmt.Errorf("failed to parse template %s: %w", file, err)
		}
		r.templates[name] = t
	}
	return r, nil
}

// Names returns the known template names, sorted.
func (r *Renderer) Names() []string {
	names := make([]string, 0, len(r.templates))
	for n := range r.templates {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Render produces the manifest text for the named template. Every failure
// is a *fleeterr.RenderError.
func (r *Renderer) Render(name string, params map[string]any) ([]byte, error) {
	t, ok := r.templates[name]
	if !ok {
		return nil, &fleeterr.RenderError{Template: name, Err: errors.New("unknown template")}
	}
	data, err := bind(schemas[name], params)
	if err != nil {
		return nil, &fleeterr.RenderError{Template: name, Err: err}
	}

	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return nil, &fleeterr.RenderError{Template: name, Err: err}
	}
	if err := checkDocuments(buf.Bytes()); err != nil {
		return nil, &fleeterr.RenderError{Template: name, Err: err}
	}
	return buf.Bytes(), nil
}

// bind checks params against the schema and returns a normalized copy with
// optional parameters defaulted. The caller's map is never modified.
func bind(schema []Param, params map[string]any) (map[string]any, error) {
	data := make(map[string]any, len(schema))
	for _, p := range schema {
		v, ok := params[p.Name]
		if !ok || v == nil {
			if !p.Optional {
				return nil, fmt.Errorf("missing parameter %q", p.Name)
			}
			data[p.Name] = zero(p.Kind)
			continue
		}
		nv, err := normalize(p, v)
		if err != nil {
			return nil, err
		}
		data[p.Name] = nv
	}
	return data, nil
}

func zero(k Kind) any {
	switch k {
	case Int:
		return 0
	case StringList:
		return []string{}
	}
	return ""
}

func normalize(p Param, v any) (any, error) {
	switch p.Kind {
	case String:
		if s, ok := v.(string); ok {
			return s, nil
		}
	case Int:
		switch n := v.(type) {
		case int:
			return n, nil
		case int32:
			return int(n), nil
		case int64:
			return int(n), nil
		}
	case StringList:
		if l, ok := v.([]string); ok {
			return append([]string(nil), l...), nil
		}
	}
	return nil, fmt.Errorf("parameter %q must be of kind %s, got %T", p.Name, p.Kind, v)
}

// checkDocuments verifies every YAML document parses and declares a kind.
func checkDocuments(out []byte) error {
	reader := utilyaml.NewYAMLReader(bufio.NewReader(bytes.NewReader(out)))
	n := 0
	for {
		doc, err := reader.Read()
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}
			return fmt.Errorf("failed to split rendered output: %w", err)
		}
		if len(strings.TrimSpace(string(doc))) == 0 {
			continue
		}
		n++
		var head struct {
			Kind string `json:"kind"`
		}
		if err := yaml.Unmarshal(doc, &head); err != nil {
			return fmt.Errorf("document %d is not valid YAML: %w", n, err)
		}
		if head.Kind == "" {
			return fmt.Errorf("document %d has no kind", n)
		}
	}
	if n == 0 {
		return errors.New("rendered output is empty")
	}
	return nil
}
