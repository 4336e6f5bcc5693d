package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/ppiankov/voxgate/internal/model"
)

// commandFlags are shared by call and check.
type commandFlags struct {
	domain    string
	action    string
	targets   []string
	params    []string
	confirmed bool
}

func (f *commandFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.domain, "domain", "", "Entity domain, e.g. light (required)")
	cmd.Flags().StringVar(&f.action, "action", "", "Service to call, e.g. turn_on (required)")
	cmd.Flags().StringSliceVarP(&f.targets, "target", "t", nil, "Target entity id; repeat or comma-separate, \"all\" for the whole domain")
	cmd.Flags().StringArrayVarP(&f.params, "param", "p", nil, "Service data as key=value; values are parsed as YAML scalars")
	cmd.Flags().BoolVar(&f.confirmed, "confirmed", false, "Mark the command as confirmed by the user")
	cmd.MarkFlagRequired("domain")
	cmd.MarkFlagRequired("action")
}

func (f *commandFlags) command() (model.Command, error) {
	params, err := parseParams(f.params)
	if err != nil {
		return model.Command{}, err
	}
	var target model.Target
	for _, id := range f.targets {
		if id = strings.TrimSpace(id); id != "" {
			target = append(target, id)
		}
	}
	return model.Command{
		Domain:    f.domain,
		Action:    f.action,
		Target:    target,
		Params:    params,
		Confirmed: f.confirmed,
	}, nil
}

// parseParams turns key=value pairs into service data. "temperature=21" yields
// an int, "on=true" a bool and "rgb=[255,0,0]" a list.
func parseParams(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	out := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, raw, ok := strings.Cut(pair, "=")
		key = strings.TrimSpace(key)
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid param %q: expected key=value", pair)
		}
		var v any
		if err := yaml.Unmarshal([]byte(raw), &v); err != nil || v == nil {
			v = raw
		}
		out[key] = v
	}
	return out, nil
}
