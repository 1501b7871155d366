package main

import (
	"flag"
	"fmt"
	"os"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"
)

// flattenMap turns nested sections into the SECTION_KEY names the server reads.
// Lists become comma separated values, which is how KAFKA_BROKERS is parsed.
func flattenMap(prefix string, m map[string]interface{}) map[string]string {
	flatMap := make(map[string]string)
	for k, v := range m {
		key := k
		if prefix != "" {
			key = prefix + "_" + k
		}
		key = strings.ToUpper(key)

		switch val := v.(type) {
		case map[string]interface{}:
			for nk, nv := range flattenMap(key, val) {
				flatMap[nk] = nv
			}
		case []interface{}:
			parts := make([]string, len(val))
			for i, item := range val {
				parts[i] = fmt.Sprintf("%v", item)
			}
			flatMap[key] = fmt.Sprintf("%q", strings.Join(parts, ","))
		case string:
			flatMap[key] = fmt.Sprintf("%q", val)
		case nil:
			flatMap[key] = `""`
		default:
			flatMap[key] = fmt.Sprintf("%v", val)
		}
	}
	return flatMap
}

func render(envVars map[string]string) string {
	keys := make([]string, 0, len(envVars))
	for k := range envVars {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	for _, k := range keys {
		fmt.Fprintf(&b, "%s=%s\n", k, envVars[k])
	}
	return b.String()
}

func main() {
	in := flag.String("in", "config/config.yaml", "YAML config to convert")
	out := flag.String("out", ".env", "env file to write")
	flag.Parse()

	yamlData, err := os.ReadFile(*in)
	if err != nil {
		fmt.Printf("Error reading YAML file: %v\n", err)
		os.Exit(1)
	}

	var config map[string]interface{}
	if err := yaml.Unmarshal(yamlData, &config); err != nil {
		fmt.Printf("Error parsing YAML: %v\n", err)
		os.Exit(1)
	}

	if err := os.WriteFile(*out, []byte(render(flattenMap("", config))), 0o600); err != nil {
		fmt.Printf("Error writing %s: %v\n", *out, err)
		os.Exit(1)
	}

	fmt.Printf("Successfully converted %s to %s\n", *in, *out)
}
