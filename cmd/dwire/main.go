// Command dwire is a thin, scriptable front end over the debugWIRE
// session API: connect to a target, step or run it, and poke at its
// registers and memory. It is not a REPL or a disassembler — each
// invocation runs one subcommand against the attached adapter and
// exits.
package main

import (
	"fmt"
	"os"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"dwire/internal/session"
	"dwire/internal/transport"
)

var log = logrus.New()

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	var verbose bool

	root := &cobra.Command{
		Use:   "dwire",
		Short: "Drive an AVR target over the debugWIRE protocol",
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			if verbose {
				log.SetLevel(logrus.DebugLevel)
			}
		},
	}
	root.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newConnectCmd(),
		newResetCmd(),
		newStepCmd(),
		newGoCmd(),
		newReadCmd(),
		newWriteCmd(),
		newDisableCmd(),
	)
	return root
}

// openSession opens the USB adapter and connects a session, the
// sequence every subcommand runs first.
func openSession() (*session.Session, error) {
	usb, err := transport.OpenUSB()
	if err != nil {
		return nil, fmt.Errorf("open USB adapter: %w", err)
	}
	adapter := transport.New(usb, logrus.NewEntry(log))
	s := session.New(adapter, logrus.NewEntry(log))
	if err := s.Connect(); err != nil {
		return nil, fmt.Errorf("connect: %w", err)
	}
	return s, nil
}

func newConnectCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "connect",
		Short: "Open the adapter, sync, and report the target signature",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			fmt.Printf("signature=0x%04X pc=0x%04X baud=%d\n", s.Signature, s.PC, s.Stats().LastBaud)
			return nil
		},
	}
}

func newResetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset",
		Short: "Reset the target and resync",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Reset(); err != nil {
				return err
			}
			fmt.Printf("pc=0x%04X\n", s.PC)
			return nil
		},
	}
}

func newStepCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "step",
		Short: "Single-step the target one instruction",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			if err := s.Trace(); err != nil {
				return err
			}
			fmt.Printf("pc=0x%04X\n", s.PC)
			return nil
		},
	}
}

func newGoCmd() *cobra.Command {
	var breakpoint int
	var timers bool

	cmd := &cobra.Command{
		Use:   "go",
		Short: "Resume execution, optionally to a breakpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			if breakpoint >= 0 {
				s.BP = breakpoint
			} else {
				s.BP = session.NoBreakpoint
			}
			s.TimerEnable = timers

			if err := s.Go(); err != nil {
				return err
			}
			for {
				reached, err := s.ReachedBreakpoint()
				if err != nil {
					return err
				}
				if reached {
					break
				}
				time.Sleep(session.WaitSettle())
			}
			return s.Reconnect()
		},
	}
	cmd.Flags().IntVar(&breakpoint, "breakpoint", -1, "byte address to run to (-1 for none)")
	cmd.Flags().BoolVar(&timers, "timers", false, "leave target timers running while executing")
	return cmd
}

func newReadCmd() *cobra.Command {
	var length int

	cmd := &cobra.Command{
		Use:   "read [address]",
		Short: "Read bytes from data space (registers, I/O, SRAM)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseInt(args[0])
			if err != nil {
				return err
			}
			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()

			data, err := s.ReadAddr(addr, length)
			if err != nil {
				return err
			}
			fmt.Printf("% X\n", data)
			return nil
		},
	}
	cmd.Flags().IntVar(&length, "length", 1, "number of bytes to read")
	return cmd
}

func newWriteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "write [address] [bytes...]",
		Short: "Write bytes to data space (registers, I/O, SRAM)",
		Args:  cobra.MinimumNArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := parseInt(args[0])
			if err != nil {
				return err
			}
			buf := make([]byte, len(args)-1)
			for i, a := range args[1:] {
				v, err := parseInt(a)
				if err != nil {
					return err
				}
				buf[i] = byte(v)
			}

			s, err := openSession()
			if err != nil {
				return err
			}
			defer s.Close()
			return s.WriteAddr(addr, buf)
		},
	}
}

func newDisableCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "disable",
		Short: "Permanently disable debugWIRE on the target",
		RunE: func(cmd *cobra.Command, args []string) error {
			s, err := openSession()
			if err != nil {
				return err
			}
			return s.Disable()
		},
	}
}

func parseInt(s string) (int, error) {
	var v int
	_, err := fmt.Sscanf(s, "0x%x", &v)
	if err == nil {
		return v, nil
	}
	_, err = fmt.Sscanf(s, "%d", &v)
	return v, err
}
