package cmd

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"
)

var initCmd = &cobra.Command{
	Use:     "init [directory]",
	Aliases: []string{"i"},
	Short:   "Scaffold a new project",
	Long: `Create a minimal project layout: a pages directory with an index
page, a public directory, an import map and a .velo.yml configuration.

Examples:
  velo init                     # Scaffold into the working directory
  velo init my-app              # Scaffold into ./my-app`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		target := "."
		if len(args) > 0 {
			target = args[0]
		}
		abs, err := filepath.Abs(target)
		if err != nil {
			return err
		}
		if err := scaffoldProject(abs); err != nil {
			return err
		}
		fmt.Printf("scaffolded project in %s\n\nNext steps:\n  cd %s\n  velo dev\n", abs, target)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}

var scaffoldFiles = map[string]string{
	".velo.yml": `# velo project configuration
src_dir: .
output_dir: dist

server:
  port: 8080
  host: localhost

build:
  target: es2020

tools:
  # External tool commands, e.g.:
  # transform: velo-swc
  # render: velo-render
  transform: ""
`,
	"import_map.json": `{
  "imports": {}
}
`,
	"pages/index.tsx": `export default function Home() {
  return <h1>Welcome to velo</h1>;
}
`,
	"pages/api/hello.ts": `export default function handler() {
  return { message: "hello" };
}
`,
	"public/robots.txt": "User-agent: *\nAllow: /\n",
	"app.tsx": `export default function App({ children }) {
  return <main>{children}</main>;
}
`,
}

// scaffoldProject writes the starter files, refusing to overwrite an
// existing project.
func scaffoldProject(root string) error {
	if _, err := os.Stat(filepath.Join(root, ".velo.yml")); err == nil {
		return fmt.Errorf("%s already contains a velo project", root)
	}

	for rel, content := range scaffoldFiles {
		p := filepath.Join(root, filepath.FromSlash(rel))
		if err := os.MkdirAll(filepath.Dir(p), 0o755); err != nil {
			return err
		}
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			return err
		}
	}
	return nil
}
