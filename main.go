// cpmbox is a CP/M 2.2 machine for running vintage 8-bit binaries on
// a modern host: the Z80 is emulated, the BDOS and BIOS are native,
// and drives are directories.
package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/cpmbox/cpmbox/console"
	"github.com/cpmbox/cpmbox/cpm"
	"github.com/cpmbox/cpmbox/drive"
	"github.com/cpmbox/cpmbox/loader"
	"github.com/cpmbox/cpmbox/version"
)

// buildLogger returns a JSON logger at the named level.
func buildLogger(level string) (*slog.Logger, error) {
	var lvl slog.Level

	switch strings.ToLower(level) {
	case "debug":
		lvl = slog.LevelDebug
	case "info":
		lvl = slog.LevelInfo
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	default:
		return nil, fmt.Errorf("unknown log-level %s", level)
	}

	opts := &slog.HandlerOptions{Level: lvl}
	return slog.New(slog.NewJSONHandler(os.Stderr, opts)), nil
}

// loadImage reads a program from disk, flattening Intel-HEX files by
// extension, and returns the image along with its load address.
func loadImage(path string) ([]uint8, uint16, error) {
	if strings.EqualFold(filepath.Ext(path), ".hex") {
		fh, err := os.Open(path)
		if err != nil {
			return nil, 0, err
		}
		defer fh.Close()

		records, err := loader.ParseHex(fh)
		if err != nil {
			return nil, 0, fmt.Errorf("failed to parse %s: %w", path, err)
		}
		return loader.HexToImage(records)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, 0, err
	}
	return data, loader.TPA, nil
}

// mountDrives attaches A: (the working directory, unless overridden)
// plus any explicit "L=dir" mounts to the machine.
func mountDrives(obj *cpm.CPM, specs []string, writable bool) error {

	mount := func(letter uint8, dir string) error {
		var d drive.Drive = drive.NewDirDrive(dir)
		if !writable {
			// Guests see their writes, the host directory
			// stays untouched.
			d = drive.NewOverlay(d)
		}
		return obj.MountDrive(letter, d)
	}

	if err := mount(0, "."); err != nil {
		return err
	}

	for _, spec := range specs {
		parts := strings.SplitN(spec, "=", 2)
		if len(parts) != 2 || len(parts[0]) != 1 {
			return fmt.Errorf("malformed drive mount %q, expected L=dir", spec)
		}

		letter := strings.ToUpper(parts[0])[0]
		if letter < 'A' || letter > 'P' {
			return fmt.Errorf("drive letter in %q out of range A-P", spec)
		}

		if err := mount(letter-'A', parts[1]); err != nil {
			return err
		}
	}

	return nil
}

// runCommand implements "cpmbox run".
func runCommand() *cobra.Command {
	var (
		driveSpecs []string
		writable   bool
		shellSpec  string
		scriptPath string
		conName    string
		trace      bool
		logLevel   string
	)

	cmd := &cobra.Command{
		Use:   "run [PROG.COM [args..]]",
		Short: "Run a CP/M program, or boot a shell",
		RunE: func(cmd *cobra.Command, args []string) error {
			logger, err := buildLogger(logLevel)
			if err != nil {
				return err
			}

			// Scripted runs default to the headless console.
			if conName == "" {
				conName = "stty"
				if scriptPath != "" {
					conName = "headless"
				}
			}

			con, err := console.New(conName)
			if err != nil {
				return err
			}

			if scriptPath != "" {
				h, ok := con.(*console.Headless)
				if !ok {
					return fmt.Errorf("console %s can't run scripts", conName)
				}
				steps, err := console.StepsFromLuaFile(scriptPath)
				if err != nil {
					return err
				}
				h.AddSteps(steps)
			}

			if lc, ok := con.(console.Lifecycle); ok {
				if err := lc.Setup(); err != nil {
					return err
				}
				defer lc.TearDown()
			}

			obj := cpm.New(logger, con)
			obj.SetTrace(trace)

			if err := mountDrives(obj, driveSpecs, writable); err != nil {
				return err
			}

			// Boot either a shell or a transient program.
			switch {
			case shellSpec != "":
				path := shellSpec
				base := uint16(loader.TPA)

				if at := strings.LastIndex(path, "@"); at != -1 {
					addr, err := strconv.ParseUint(path[at+1:], 0, 16)
					if err != nil {
						return fmt.Errorf("bad shell address in %q: %w", shellSpec, err)
					}
					base = uint16(addr)
					path = path[:at]
				}

				image, _, err := loadImage(path)
				if err != nil {
					return err
				}
				obj.LoadShell(image, base)

			case len(args) > 0:
				image, base, err := loadImage(args[0])
				if err != nil {
					return err
				}
				if base != loader.TPA {
					return fmt.Errorf("%s loads at %04X, transient programs must load at %04X",
						args[0], base, loader.TPA)
				}
				obj.SetupTransient(image, strings.Join(args[1:], " "))

			default:
				return fmt.Errorf("nothing to run: give a program, or --shell")
			}

			// Ctrl-C aborts the guest cleanly.
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			exit, err := obj.Run(ctx)
			if err != nil {
				return err
			}

			logger.Debug("guest finished",
				slog.String("reason", exit.Reason.String()),
				slog.String("message", exit.Message),
				slog.Uint64("tstates", exit.TStates))

			if exit.Reason == cpm.ReasonFatal {
				return fmt.Errorf("%s", exit.Message)
			}
			return nil
		},
	}

	cmd.Flags().StringArrayVar(&driveSpecs, "drive", nil, "Mount a host directory as a drive, e.g. B=/tmp/disk")
	cmd.Flags().BoolVar(&writable, "writable", false, "Let guests modify the host directories directly")
	cmd.Flags().StringVar(&shellSpec, "shell", "", "Boot this image as a shell, optionally FILE@addr")
	cmd.Flags().StringVar(&scriptPath, "script", "", "Drive the console from a Lua expect/send script")
	cmd.Flags().StringVar(&conName, "console", "", "Console driver: "+strings.Join(console.Drivers(), ", "))
	cmd.Flags().BoolVar(&trace, "trace", false, "Log every system call")
	cmd.Flags().StringVar(&logLevel, "log-level", "error", "Log level: debug, info, warn, error")

	return cmd
}

// hex2comCommand implements "cpmbox hex2com".
func hex2comCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "hex2com in.hex out.com",
		Short: "Flatten an Intel-HEX file into a COM image",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			fh, err := os.Open(args[0])
			if err != nil {
				return err
			}
			defer fh.Close()

			records, err := loader.ParseHex(fh)
			if err != nil {
				return fmt.Errorf("failed to parse %s: %w", args[0], err)
			}

			image, base, err := loader.HexToImage(records)
			if err != nil {
				return err
			}

			if err := os.WriteFile(args[1], image, 0644); err != nil {
				return err
			}

			fmt.Printf("%s: %d bytes at %04X\n", args[1], len(image), base)
			return nil
		},
	}
}

// versionCommand implements "cpmbox version".
func versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show the version of this executable",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Print(version.GetVersionBanner())
		},
	}
}

func main() {
	rootCmd := &cobra.Command{
		Use:   "cpmbox",
		Short: "A CP/M 2.2 machine for vintage binaries",
	}

	rootCmd.AddCommand(runCommand(), hex2comCommand(), versionCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}
