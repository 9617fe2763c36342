package template

import (
	"os"
	"path/filepath"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
	sigyaml "sigs.k8s.io/yaml"

	"github.com/stackplane/stackplane-internal/internal/common/apperrors"
)

var compiledSchema *jsonschema.Schema

func init() {
	c := jsonschema.NewCompiler()
	if err := c.AddResource("stack-template.json", strings.NewReader(stackTemplateSchema)); err != nil {
		panic(err)
	}
	compiledSchema = c.MustCompile("stack-template.json")
}

// ParseTemplate parses and schema-validates one YAML template document.
func ParseTemplate(data []byte) (*StackTemplate, apperrors.Error) {
	jsonData, err := sigyaml.YAMLToJSON(data)
	if err != nil {
		return nil, ErrTemplate.MsgErr("template is not valid YAML", err)
	}
	var doc any
	if err := json.Unmarshal(jsonData, &doc); err != nil {
		return nil, ErrTemplate.Err(err)
	}
	if err := compiledSchema.Validate(doc); err != nil {
		return nil, ErrTemplate.MsgErr("template failed schema validation", err)
	}
	t := &StackTemplate{}
	if err := json.Unmarshal(jsonData, t); err != nil {
		return nil, ErrTemplate.Err(err)
	}
	if err := t.Validate(); err != nil {
		return nil, err
	}
	return t, nil
}

// LoadDir registers every *.yaml / *.yml template found in dir. A missing
// directory is not an error; the built-in default template always remains
// available.
func (c *Catalog) LoadDir(dir string) apperrors.Error {
	if dir == "" {
		return nil
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return ErrTemplate.MsgErr("unable to read templates directory", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := filepath.Ext(e.Name())
		if ext != ".yaml" && ext != ".yml" {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			return ErrTemplate.MsgErr("unable to read template "+e.Name(), err)
		}
		t, perr := ParseTemplate(data)
		if perr != nil {
			return perr.Msg("template " + e.Name() + ": " + perr.Error())
		}
		if perr := c.Register(t); perr != nil {
			return perr
		}
	}
	return nil
}
