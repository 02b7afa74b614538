package source

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"text/template"

	"dario.cat/mergo"
	"github.com/Masterminds/sprig/v3"

	"k8s.io/apimachinery/pkg/apis/meta/v1/unstructured"
	sigsyaml "sigs.k8s.io/yaml"
)

const (
	baseValuesFile = "values.yaml"
	manifestSuffix = ".yaml"
)

// renderContext is the data passed to manifest templates.
type renderContext struct {
	Values map[string]interface{}
	App    appContext
}

type appContext struct {
	Name      string
	Namespace string
	Revision  string
}

// mergeValueLayers builds the effective values map with override precedence
// base defaults < value files (in order) < inline overrides.
func mergeValueLayers(tree map[string][]byte, dir string, valueFiles []string, inline map[string]string) (map[string]interface{}, error) {
	values := make(map[string]interface{})

	layers := make([]string, 0, len(valueFiles)+1)
	if _, ok := tree[joinPath(dir, baseValuesFile)]; ok {
		layers = append(layers, baseValuesFile)
	}
	for _, vf := range valueFiles {
		if vf != baseValuesFile {
			layers = append(layers, vf)
		}
	}

	for _, name := range layers {
		data, ok := tree[joinPath(dir, name)]
		if !ok {
			return nil, fmt.Errorf("value file %q not found in tree", name)
		}
		layer := make(map[string]interface{})
		if err := sigsyaml.Unmarshal(data, &layer); err != nil {
			return nil, fmt.Errorf("value file %q: %w", name, err)
		}
		if err := mergo.Merge(&values, layer, mergo.WithOverride); err != nil {
			return nil, fmt.Errorf("value file %q: %w", name, err)
		}
	}

	// Inline overrides win over every file layer. Keys are dotted paths.
	for key, val := range inline {
		setValue(values, key, val)
	}

	return values, nil
}

// setValue sets a dotted-path key, creating intermediate maps as needed.
// Existing non-map intermediates are replaced.
func setValue(values map[string]interface{}, key, val string) {
	parts := strings.Split(key, ".")
	cur := values
	for _, part := range parts[:len(parts)-1] {
		next, ok := cur[part].(map[string]interface{})
		if !ok {
			next = make(map[string]interface{})
			cur[part] = next
		}
		cur = next
	}
	cur[parts[len(parts)-1]] = val
}

// renderTree renders every manifest file under dir and parses the results
// into an ordered resource list. Files are processed in lexical path order,
// documents in file order.
func renderTree(tree map[string][]byte, dir string, rc renderContext, valueFiles []string) ([]*unstructured.Unstructured, error) {
	skip := map[string]struct{}{joinPath(dir, baseValuesFile): {}}
	for _, vf := range valueFiles {
		skip[joinPath(dir, vf)] = struct{}{}
	}

	var paths []string
	for path := range tree {
		if !strings.HasSuffix(path, manifestSuffix) && !strings.HasSuffix(path, ".yml") {
			continue
		}
		if _, ok := skip[path]; ok {
			continue
		}
		if dir != "" && !strings.HasPrefix(path, dir+"/") {
			continue
		}
		paths = append(paths, path)
	}
	sort.Strings(paths)

	var resources []*unstructured.Unstructured
	for _, path := range paths {
		docs, err := renderFile(path, tree[path], rc)
		if err != nil {
			return nil, err
		}
		resources = append(resources, docs...)
	}
	return resources, nil
}

func renderFile(path string, data []byte, rc renderContext) ([]*unstructured.Unstructured, error) {
	tpl, err := template.New(path).Funcs(sprig.FuncMap()).Option("missingkey=error").Parse(string(data))
	if err != nil {
		return nil, fmt.Errorf("template %q: %w", path, err)
	}

	var buf bytes.Buffer
	if err := tpl.Execute(&buf, rc); err != nil {
		return nil, fmt.Errorf("template %q: %w", path, err)
	}

	var out []*unstructured.Unstructured
	for i, doc := range splitDocuments(buf.String()) {
		// Unmarshal through the Unstructured codec so whole numbers come
		// out as int64, matching what the platform returns.
		obj := &unstructured.Unstructured{}
		if err := sigsyaml.Unmarshal([]byte(doc), obj); err != nil {
			return nil, fmt.Errorf("manifest %q document %d: %w", path, i, err)
		}
		if len(obj.Object) == 0 {
			continue
		}
		if obj.GetKind() == "" || obj.GetName() == "" {
			return nil, fmt.Errorf("manifest %q document %d: missing kind or metadata.name", path, i)
		}
		out = append(out, obj)
	}
	return out, nil
}

// splitDocuments splits a rendered stream on YAML document separators,
// dropping empty documents.
func splitDocuments(s string) []string {
	var docs []string
	for _, doc := range strings.Split(s, "\n---") {
		if strings.TrimSpace(doc) == "" {
			continue
		}
		docs = append(docs, doc)
	}
	return docs
}

func joinPath(dir, name string) string {
	if dir == "" {
		return name
	}
	return dir + "/" + name
}
