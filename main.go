package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/goccy/go-yaml"
	"github.com/lmittmann/tint"
	"github.com/mattn/go-isatty"
	"github.com/pkg/errors"
	"github.com/spf13/afero"
	"github.com/urfave/cli/v2"
	kexec "k8s.io/utils/exec"
)

func setupLogger(verbose bool) *slog.Logger {
	logLevel := slog.LevelInfo
	if verbose {
		logLevel = slog.LevelDebug
	}

	logW := os.Stderr
	logger := slog.New(tint.NewHandler(logW, &tint.Options{
		Level:      logLevel,
		TimeFormat: time.TimeOnly,
		NoColor:    !isatty.IsTerminal(logW.Fd()),
	}))
	slog.SetDefault(logger)

	return logger
}

func main() {
	cfg := DefaultConfig()
	fs := afero.NewOsFs()

	var topo *Topology
	before := func(_ *cli.Context) error {
		log := setupLogger(cfg.Verbose)
		topo = NewTopology(NewHostExecutor(kexec.New(), log), NewStore(fs, cfg.StateDir), log)
		return nil
	}

	args := func(cCtx *cli.Context, names ...string) ([]string, error) {
		if cCtx.NArg() != len(names) {
			return nil, cli.Exit(fmt.Sprintf("expected arguments: %v", names), 2)
		}
		return cCtx.Args().Slice(), nil
	}

	app := &cli.App{
		Name:                   "vpcctl",
		Usage:                  "Virtual Private Cloud on a single Linux host",
		Suggest:                true,
		UseShortOptionHandling: true,
		Flags:                  cfg.Flags(),
		Before:                 before,
		Commands: []*cli.Command{
			{
				Name:      "create-vpc",
				Usage:     "Create a VPC bridge",
				ArgsUsage: "NAME CIDR",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "egress",
						Aliases: []string{"public-interface"},
						Usage:   "host interface to NAT public traffic through",
					},
				},
				Action: func(cCtx *cli.Context) error {
					a, err := args(cCtx, "NAME", "CIDR")
					if err != nil {
						return err
					}
					return errors.Wrapf(topo.CreateVPC(a[0], a[1], cCtx.String("egress")), "failed to create vpc %s", a[0])
				},
			},
			{
				Name:      "add-subnet",
				Usage:     "Add a public or private subnet to a VPC",
				ArgsUsage: "VPC SUBNET ROLE CIDR",
				Action: func(cCtx *cli.Context) error {
					a, err := args(cCtx, "VPC", "SUBNET", "ROLE", "CIDR")
					if err != nil {
						return err
					}
					role, err := ParseRole(a[2])
					if err != nil {
						return err
					}
					subnet, err := topo.AddSubnet(a[0], a[1], role, a[3])
					if err != nil {
						return errors.Wrapf(err, "failed to add subnet %s to vpc %s", a[1], a[0])
					}
					slog.Info("Subnet ready", "ns", subnet.Namespace(), "cidr", subnet.Subnet, "gateway", subnet.Gateway, "host", subnet.Host)
					return nil
				},
			},
			{
				Name:      "peer-vpc",
				Usage:     "Peer two VPCs",
				ArgsUsage: "VPC_A VPC_B",
				Action: func(cCtx *cli.Context) error {
					a, err := args(cCtx, "VPC_A", "VPC_B")
					if err != nil {
						return err
					}
					return errors.Wrapf(topo.PeerVPC(a[0], a[1]), "failed to peer %s and %s", a[0], a[1])
				},
			},
			{
				Name:      "apply-policies",
				Usage:     "Append ingress rules from a policy file (JSON or YAML)",
				ArgsUsage: "VPC FILE",
				Action: func(cCtx *cli.Context) error {
					a, err := args(cCtx, "VPC", "FILE")
					if err != nil {
						return err
					}
					policies, err := LoadPolicies(fs, a[1])
					if err != nil {
						return err
					}
					return errors.Wrapf(topo.ApplyPolicies(a[0], policies), "failed to apply policies to vpc %s", a[0])
				},
			},
			{
				Name:      "delete-vpc",
				Usage:     "Delete a VPC and all its subnets (flushes all host NAT and filter rules)",
				ArgsUsage: "NAME",
				Action: func(cCtx *cli.Context) error {
					a, err := args(cCtx, "NAME")
					if err != nil {
						return err
					}
					return errors.Wrapf(topo.DeleteVPC(a[0]), "failed to delete vpc %s", a[0])
				},
			},
			{
				Name:      "status",
				Usage:     "Show the discovered state of a VPC",
				ArgsUsage: "NAME",
				Action: func(cCtx *cli.Context) error {
					a, err := args(cCtx, "NAME")
					if err != nil {
						return err
					}
					status, err := topo.Status(a[0])
					if err != nil {
						return errors.Wrapf(err, "failed to get status of vpc %s", a[0])
					}
					return writeYAML(os.Stdout, status)
				},
			},
		},
	}

	if err := app.Run(os.Args); err != nil {
		slog.Error("Failed", "err", err.Error())
		os.Exit(1)
	}
}

func writeYAML(w io.Writer, v any) error {
	data, err := yaml.MarshalWithOptions(v, yaml.IndentSequence(true))
	if err != nil {
		return err
	}
	_, err = w.Write(data)
	return err
}
