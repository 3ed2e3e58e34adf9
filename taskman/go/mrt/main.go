// mrt is the command-line client for the taskman server.
package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strconv"

	"github.com/urfave/cli/v2"

	"go.mrtaskman.org/infra/go/httputils"
	"go.mrtaskman.org/infra/taskman/go/client"
	"go.mrtaskman.org/infra/taskman/go/packages"
)

const (
	// Exit codes.
	EXIT_OK              = 0
	EXIT_UNKNOWN_COMMAND = 2
	EXIT_BAD_ARGUMENT    = 3
	EXIT_FILE_ERROR      = 4
	EXIT_JSON_ERROR      = 5
)

// manifestFile extends a package manifest entry with the local path of the
// file to upload.
type manifestFile struct {
	packages.ManifestFile
	FileSource string `json:"file_source,omitempty"`
}

// manifest is the CLI-side package manifest.
type manifest struct {
	Name    string         `json:"name"`
	Version int64          `json:"version"`
	Files   []manifestFile `json:"files"`
}

// upstreamErr converts an error from the client into a CLI exit. Server
// errors exit with the HTTP status code.
func upstreamErr(err error) error {
	var se *client.StatusError
	if errors.As(err, &se) {
		return cli.Exit(se.Error(), se.StatusCode)
	}
	return cli.Exit(err.Error(), 1)
}

// apiClient builds the API client from the global server flag.
func apiClient(c *cli.Context) *client.Client {
	return client.New(c.String("server"), httputils.DefaultClientConfig().Client())
}

// intArg parses the positional argument at index i as an integer.
func intArg(c *cli.Context, i int, name string) (int64, error) {
	v := c.Args().Get(i)
	if v == "" {
		return 0, cli.Exit(fmt.Sprintf("Missing required argument: %s", name), EXIT_BAD_ARGUMENT)
	}
	id, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return 0, cli.Exit(fmt.Sprintf("Invalid %s: %q", name, v), EXIT_BAD_ARGUMENT)
	}
	return id, nil
}

// printJSON pretty-prints v to stdout.
func printJSON(v interface{}) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	if err := enc.Encode(v); err != nil {
		return cli.Exit(err.Error(), 1)
	}
	return nil
}

func scheduleCmd(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return cli.Exit("Usage: mrt schedule <config.json>", EXIT_BAD_ARGUMENT)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open %s: %s", path, err), EXIT_FILE_ERROR)
	}
	var parsed interface{}
	if err := json.Unmarshal(body, &parsed); err != nil {
		return cli.Exit(fmt.Sprintf("Invalid JSON in %s: %s", path, err), EXIT_JSON_ERROR)
	}
	id, err := apiClient(c).Schedule(c.Context, string(body))
	if err != nil {
		return upstreamErr(err)
	}
	fmt.Printf("Scheduled task %d\n", id)
	return nil
}

func taskCmd(c *cli.Context) error {
	id, err := intArg(c, 0, "task id")
	if err != nil {
		return err
	}
	t, err := apiClient(c).GetTask(c.Context, id)
	if err != nil {
		return upstreamErr(err)
	}
	return printJSON(t)
}

func deleteTaskCmd(c *cli.Context) error {
	id, err := intArg(c, 0, "task id")
	if err != nil {
		return err
	}
	if err := apiClient(c).DeleteTask(c.Context, id); err != nil {
		return upstreamErr(err)
	}
	fmt.Printf("Deleted task %d\n", id)
	return nil
}

func createPackageCmd(c *cli.Context) error {
	path := c.Args().Get(0)
	if path == "" {
		return cli.Exit("Usage: mrt createpackage <manifest.json>", EXIT_BAD_ARGUMENT)
	}
	body, err := os.ReadFile(path)
	if err != nil {
		return cli.Exit(fmt.Sprintf("Failed to open %s: %s", path, err), EXIT_FILE_ERROR)
	}
	var m manifest
	if err := json.Unmarshal(body, &m); err != nil {
		return cli.Exit(fmt.Sprintf("Invalid JSON in %s: %s", path, err), EXIT_JSON_ERROR)
	}
	wire := &packages.Manifest{
		Name:    m.Name,
		Version: m.Version,
		Files:   make([]packages.ManifestFile, 0, len(m.Files)),
	}
	files := map[string]string{}
	for i, f := range m.Files {
		entry := f.ManifestFile
		if f.FileSource != "" {
			if _, err := os.Stat(f.FileSource); err != nil {
				return cli.Exit(fmt.Sprintf("Failed to open %s: %s", f.FileSource, err), EXIT_FILE_ERROR)
			}
			if entry.FormName == "" {
				entry.FormName = fmt.Sprintf("file%d", i)
			}
			files[entry.FormName] = f.FileSource
		}
		wire.Files = append(wire.Files, entry)
	}
	pkg, err := apiClient(c).CreatePackage(c.Context, wire, files)
	if err != nil {
		return upstreamErr(err)
	}
	fmt.Printf("Created package %s.%d\n", pkg.Name, pkg.Version)
	return nil
}

// packageArgs parses "<name> <version>" positional arguments.
func packageArgs(c *cli.Context) (string, int64, error) {
	name := c.Args().Get(0)
	if name == "" {
		return "", 0, cli.Exit("Missing required argument: package name", EXIT_BAD_ARGUMENT)
	}
	version, err := intArg(c, 1, "package version")
	if err != nil {
		return "", 0, err
	}
	return name, version, nil
}

func packageCmd(c *cli.Context) error {
	name, version, err := packageArgs(c)
	if err != nil {
		return err
	}
	pkg, err := apiClient(c).GetPackage(c.Context, name, version)
	if err != nil {
		return upstreamErr(err)
	}
	return printJSON(pkg)
}

func deletePackageCmd(c *cli.Context) error {
	name, version, err := packageArgs(c)
	if err != nil {
		return err
	}
	if err := apiClient(c).DeletePackage(c.Context, name, version); err != nil {
		return upstreamErr(err)
	}
	fmt.Printf("Deleted package %s.%d\n", name, version)
	return nil
}

func main() {
	app := &cli.App{
		Name:  "mrt",
		Usage: "Command-line client for the taskman server",
		Flags: []cli.Flag{
			&cli.StringFlag{
				Name:    "server",
				Usage:   "Base URL of the taskman server.",
				Value:   "http://localhost:8000",
				EnvVars: []string{"MRTASKMAN_SERVER"},
			},
		},
		Commands: []*cli.Command{
			{
				Name:      "schedule",
				Usage:     "Schedule a task from a config file",
				ArgsUsage: "<config.json>",
				Action:    scheduleCmd,
			},
			{
				Name:      "task",
				Usage:     "Print a task",
				ArgsUsage: "<id>",
				Action:    taskCmd,
			},
			{
				Name:      "deletetask",
				Usage:     "Delete a task",
				ArgsUsage: "<id>",
				Action:    deleteTaskCmd,
			},
			{
				Name:      "createpackage",
				Usage:     "Create a package from a manifest file",
				ArgsUsage: "<manifest.json>",
				Action:    createPackageCmd,
			},
			{
				Name:      "package",
				Usage:     "Print a package",
				ArgsUsage: "<name> <version>",
				Action:    packageCmd,
			},
			{
				Name:      "deletepackage",
				Usage:     "Delete a package",
				ArgsUsage: "<name> <version>",
				Action:    deletePackageCmd,
			},
		},
		CommandNotFound: func(c *cli.Context, command string) {
			fmt.Fprintf(os.Stderr, "Unknown command: %s\n", command)
			os.Exit(EXIT_UNKNOWN_COMMAND)
		},
	}
	if err := app.Run(os.Args); err != nil {
		if ec, ok := err.(cli.ExitCoder); ok {
			fmt.Fprintln(os.Stderr, ec.Error())
			os.Exit(ec.ExitCode())
		}
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
