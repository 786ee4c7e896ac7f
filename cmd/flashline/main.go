// Command flashline is the host-side driver for the flashline serial
// bootloader: it sequences firmware loads, settings updates, flash reads
// and boot commands over a serial port, and can stand in for the device
// with an in-memory simulator for end-to-end testing without hardware.
package main

import (
	"context"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"

	"github.com/spf13/cobra"
	"go.bug.st/serial"

	"github.com/flashline-dev/flashline/internal/protocol"
	"github.com/flashline-dev/flashline/pkg/boot"
	"github.com/flashline-dev/flashline/pkg/host"
)

var (
	flagConfig string
	flagPort   string
	flagBaud   int

	cfg *host.Config
	log *slog.Logger
)

var rootCmd = &cobra.Command{
	Use:           "flashline",
	Short:         "Serial bootloader host tool",
	Long:          "flashline drives the serial firmware update protocol: load images,\ninspect and write device settings, read flash, and boot the application.",
	Version:       "0.1.0",
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
		var err error
		cfg, err = host.LoadConfig(flagConfig)
		if err != nil {
			return err
		}
		if flagPort != "" {
			cfg.Serial.Port = flagPort
		}
		if flagBaud != 0 {
			cfg.Serial.Baud = flagBaud
		}
		log = host.NewLogger(cfg.Logging)
		return nil
	},
}

func init() {
	rootCmd.PersistentFlags().StringVar(&flagConfig, "config", "", "config file (default: ./flashline.yaml)")
	rootCmd.PersistentFlags().StringVarP(&flagPort, "port", "p", "", "serial port (overrides config)")
	rootCmd.PersistentFlags().IntVarP(&flagBaud, "baud", "b", 0, "baud rate (overrides config)")

	rootCmd.AddCommand(pingCmd)
	rootCmd.AddCommand(infoCmd)
	rootCmd.AddCommand(statusCmd)
	rootCmd.AddCommand(bootableCmd)
	rootCmd.AddCommand(settingsCmd)
	rootCmd.AddCommand(readCmd)
	rootCmd.AddCommand(loadCmd)
	rootCmd.AddCommand(abortCmd)
	rootCmd.AddCommand(bootCommand)
	rootCmd.AddCommand(simCmd)

	loadCmd.Flags().Bool("boot", false, "boot the application if the load leaves it bootable")
	loadCmd.Flags().Bool("force-boot", false, "boot the application unconditionally")
	loadCmd.Flags().Uint32("app-len", 0, "pad the file to this power-of-two length and add a footer (0: file is a prebuilt image)")

	bootCommand.Flags().Bool("force", false, "confirm the boot even if the image does not validate (the device leaves the bootloader either way)")

	simCmd.Flags().Bool("stdio", false, "serve on stdin/stdout instead of the serial port")
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// withClient opens the configured serial port and hands a connected client
// to fn, closing the port afterwards.
func withClient(fn func(*host.Client) error) error {
	port, err := serial.Open(cfg.Serial.Port, &serial.Mode{BaudRate: cfg.Serial.Baud})
	if err != nil {
		return fmt.Errorf("open %s: %w", cfg.Serial.Port, err)
	}
	defer port.Close()

	client := host.NewClient(port,
		host.WithClientLogger(log),
		host.WithRetries(cfg.Link.Retries),
	)
	return fn(client)
}

func parseUint32(s string) (uint32, error) {
	v, err := strconv.ParseUint(s, 0, 32)
	return uint32(v), err
}

var pingCmd = &cobra.Command{
	Use:   "ping [value]",
	Short: "Round-trip a value through the device",
	Args:  cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		value := uint32(0xDECAF)
		if len(args) == 1 {
			v, err := parseUint32(args[0])
			if err != nil {
				return err
			}
			value = v
		}
		return withClient(func(c *host.Client) error {
			if err := c.Ping(value); err != nil {
				return err
			}
			fmt.Printf("pong %#x\n", value)
			return nil
		})
	},
}

var infoCmd = &cobra.Command{
	Use:   "info",
	Short: "Show the device parameters",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *host.Client) error {
			p, err := c.Parameters()
			if err != nil {
				return err
			}
			fmt.Printf("settings max:    %d bytes\n", p.SettingsMax)
			fmt.Printf("data chunk size: %d bytes\n", p.DataChunkSize)
			fmt.Printf("flash range:     [%#x, %#x)\n", p.ValidFlashRange.Lo, p.ValidFlashRange.Hi)
			fmt.Printf("app range:       [%#x, %#x)\n", p.ValidAppRange.Lo, p.ValidAppRange.Hi)
			fmt.Printf("read max:        %d bytes\n", p.ReadMax)
			return nil
		})
	},
}

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the device's session progress",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *host.Client) error {
			s, err := c.Status()
			if err != nil {
				return err
			}
			switch s.Kind {
			case protocol.StatusIdle:
				fmt.Println("idle")
			case protocol.StatusStarted:
				fmt.Printf("started: addr=%#x len=%d crc=%08x\n", s.StartAddr, s.Length, s.CRC32)
			case protocol.StatusLoading:
				fmt.Printf("loading: addr=%#x next=%#x partial=%08x expected=%08x\n",
					s.StartAddr, s.NextAddr, s.PartialCRC32, s.ExpectedCRC32)
			case protocol.StatusAwaitingComplete:
				fmt.Println("awaiting complete")
			}
			return nil
		})
	},
}

var bootableCmd = &cobra.Command{
	Use:   "bootable",
	Short: "Ask the device whether the application validates",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *host.Client) error {
			status, err := c.IsBootable()
			if err != nil {
				return err
			}
			fmt.Println(status)
			return nil
		})
	},
}

var settingsCmd = &cobra.Command{
	Use:   "settings",
	Short: "Dump the device's settings records",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *host.Client) error {
			raw, err := c.Settings()
			if err != nil {
				return err
			}
			it, err := protocol.SettingsFromRaw(raw)
			if err != nil {
				fmt.Println("settings block empty or corrupt")
				return nil
			}
			for {
				s, ok := it.Next()
				if !ok {
					return nil
				}
				switch s.Val.Kind {
				case protocol.SettingU32:
					fmt.Printf("%s = %d (%#x)\n", s.Name, s.Val.U32, s.Val.U32)
				case protocol.SettingF32:
					fmt.Printf("%s = %g\n", s.Name, s.Val.F32)
				case protocol.SettingAscii:
					fmt.Printf("%s = %q\n", s.Name, s.Val.Bytes)
				default:
					fmt.Printf("%s = %s\n", s.Name, hex.EncodeToString(s.Val.Bytes))
				}
			}
		})
	},
}

var readCmd = &cobra.Command{
	Use:   "read <start> <len>",
	Short: "Read a flash range and hex-dump it",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		start, err := parseUint32(args[0])
		if err != nil {
			return err
		}
		length, err := parseUint32(args[1])
		if err != nil {
			return err
		}
		return withClient(func(c *host.Client) error {
			data, err := c.ReadRange(start, length)
			if err != nil {
				return err
			}
			dumper := hex.Dumper(os.Stdout)
			defer dumper.Close()
			_, err = dumper.Write(data)
			return err
		})
	},
}

var loadCmd = &cobra.Command{
	Use:   "load <image>",
	Short: "Program an application image",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return err
		}
		appLen, _ := cmd.Flags().GetUint32("app-len")
		if appLen != 0 {
			if raw, err = host.BuildImage(raw, appLen); err != nil {
				return err
			}
		}

		var bootOpt *protocol.BootCommand
		if force, _ := cmd.Flags().GetBool("force-boot"); force {
			c := protocol.ForceBoot
			bootOpt = &c
		} else if ok, _ := cmd.Flags().GetBool("boot"); ok {
			c := protocol.BootIfBootable
			bootOpt = &c
		}

		return withClient(func(c *host.Client) error {
			confirm, err := c.Load(raw, bootOpt)
			if err != nil {
				return err
			}
			fmt.Printf("load complete: %s\n", confirm.BootStatus)
			if confirm.WillBoot {
				fmt.Println("device is booting the application")
			}
			return nil
		})
	},
}

var abortCmd = &cobra.Command{
	Use:   "abort",
	Short: "Abort the in-progress load",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		return withClient(func(c *host.Client) error {
			if err := c.Abort(); err != nil {
				return err
			}
			fmt.Println("aborted")
			return nil
		})
	},
}

var bootCommand = &cobra.Command{
	Use:   "boot",
	Short: "Leave the bootloader and start the application",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		bootCmd := protocol.BootIfBootable
		if force, _ := cmd.Flags().GetBool("force"); force {
			bootCmd = protocol.ForceBoot
		}
		return withClient(func(c *host.Client) error {
			confirm, err := c.Boot(bootCmd)
			if err != nil {
				return err
			}
			fmt.Printf("boot status: %s\n", confirm.BootStatus)
			if confirm.WillBoot {
				fmt.Println("device is booting the application")
			} else {
				fmt.Println("image did not validate; device is leaving the bootloader anyway")
			}
			return nil
		})
	},
}

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run an in-memory device simulator",
	Long: "sim serves the bootloader protocol from a simulated flash, either on\n" +
		"the configured serial port (e.g. one end of a pty pair) or on stdio.\n" +
		"With sim.state_path set, flash contents survive restarts.",
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		params := cfg.Sim.Parameters()

		var fl *boot.MemFlash
		bootFn := boot.WithBootFunc(func() {
			log.Info("boot requested, leaving the bootloader")
			saveSimState(fl)
			os.Exit(0)
		})

		if path := cfg.Sim.StatePath; path != "" {
			if restored, err := boot.LoadMemFlash(path, params, bootFn); err == nil {
				log.Info("restored flash snapshot", "path", path)
				fl = restored
			} else if !errors.Is(err, os.ErrNotExist) {
				log.Warn("ignoring unreadable flash snapshot", "path", path, "err", err)
			}
		}
		if fl == nil {
			fl = boot.NewMemFlash(params, bootFn)
		}

		var rw io.ReadWriter
		if stdio, _ := cmd.Flags().GetBool("stdio"); stdio {
			rw = stdioPort{}
		} else {
			port, err := serial.Open(cfg.Serial.Port, &serial.Mode{BaudRate: cfg.Serial.Baud})
			if err != nil {
				return fmt.Errorf("open %s: %w", cfg.Serial.Port, err)
			}
			defer port.Close()
			rw = port
		}

		ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		log.Info("simulator serving",
			"flash_size", params.ValidFlashRange.Hi,
			"app_base", params.ValidAppRange.Lo,
			"chunk", params.DataChunkSize)

		runner := boot.NewRunner(boot.NewMachine(fl), rw, boot.WithLogger(log))
		err := runner.Run(ctx)
		saveSimState(fl)
		if errors.Is(err, context.Canceled) {
			return nil
		}
		return err
	},
}

func saveSimState(fl *boot.MemFlash) {
	if cfg.Sim.StatePath == "" || fl == nil {
		return
	}
	if err := fl.SaveSnapshot(cfg.Sim.StatePath); err != nil {
		log.Error("failed to save flash snapshot", "err", err)
		return
	}
	log.Info("saved flash snapshot", "path", cfg.Sim.StatePath)
}

// stdioPort serves the protocol over the process's stdin/stdout.
type stdioPort struct{}

func (stdioPort) Read(p []byte) (int, error)  { return os.Stdin.Read(p) }
func (stdioPort) Write(p []byte) (int, error) { return os.Stdout.Write(p) }
