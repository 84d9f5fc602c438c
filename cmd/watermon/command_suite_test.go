package main

import (
	"bytes"
	"context"
	"strings"
	"sync"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/stretchr/testify/suite"

	"github.com/srg/watermon/internal/device"
	"github.com/srg/watermon/internal/store"
	"github.com/srg/watermon/internal/testutils"
	"github.com/srg/watermon/pkg/config"
)

const TestDeviceAddress = "AA:BB:CC:DD:EE:FF"

// CommandTestSuite runs commands through rootCmd against a scripted valve.
// All cmd/watermon test suites should embed it.
type CommandTestSuite struct {
	suite.Suite

	originalNewSession  func(*logrus.Logger) device.Session
	originalOpenGateway func(context.Context, config.Config, *logrus.Logger) (store.Gateway, error)

	Valve   *testutils.ScriptedValve
	Gateway *memoryGateway
}

func (s *CommandTestSuite) SetupSuite() {
	s.originalNewSession = newSession
	s.originalOpenGateway = openGateway
}

func (s *CommandTestSuite) TearDownSuite() {
	newSession = s.originalNewSession
	openGateway = s.originalOpenGateway
}

func (s *CommandTestSuite) SetupTest() {
	resetFlags(rootCmd)

	s.Valve = testutils.NewScriptedValve()
	s.Gateway = &memoryGateway{}
	newSession = func(*logrus.Logger) device.Session { return s.Valve }
	openGateway = func(context.Context, config.Config, *logrus.Logger) (store.Gateway, error) {
		return s.Gateway, nil
	}

	// Keep the developer's environment out of the tests
	for _, kv := range []string{"WATERMON_DEVICE_ADDRESS", "WATERMON_CALIBRATION_FACTOR", "WATERMON_LOG_LEVEL"} {
		s.T().Setenv(kv, "")
	}
}

// ExecuteCommand runs rootCmd with args, returns output and error.
func (s *CommandTestSuite) ExecuteCommand(args ...string) (string, error) {
	buf := new(bytes.Buffer)
	rootCmd.SetOut(buf)
	rootCmd.SetErr(buf)
	rootCmd.SetArgs(append(args, "--env-file", s.T().TempDir()+"/none.env"))
	err := rootCmd.Execute()
	return buf.String(), err
}

// resetFlags restores every flag of cmd and its subcommands to its default, since the
// command tree is shared between tests
func resetFlags(cmd *cobra.Command) {
	reset := func(f *pflag.Flag) {
		if sv, ok := f.Value.(pflag.SliceValue); ok {
			def := strings.Trim(f.DefValue, "[]")
			var vals []string
			if def != "" {
				vals = strings.Split(def, ",")
			}
			_ = sv.Replace(vals)
		} else {
			_ = f.Value.Set(f.DefValue)
		}
		f.Changed = false
	}
	cmd.Flags().VisitAll(reset)
	cmd.PersistentFlags().VisitAll(reset)
	for _, c := range cmd.Commands() {
		resetFlags(c)
	}
}

// memoryGateway keeps every write
type memoryGateway struct {
	mu       sync.Mutex
	realtime []store.RealtimeSnapshot
	usage    []store.UsageSample
	closed   bool
}

func (g *memoryGateway) UpsertRealtime(_ context.Context, s store.RealtimeSnapshot) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.realtime = append(g.realtime, s)
	return nil
}

func (g *memoryGateway) AppendUsage(_ context.Context, s store.UsageSample) error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.usage = append(g.usage, s)
	return nil
}

func (g *memoryGateway) Close() error {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.closed = true
	return nil
}
