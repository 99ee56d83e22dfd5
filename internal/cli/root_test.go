package cli

import (
	"bytes"
	"encoding/json"
	"io"
	"os"
	"testing"

	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ibgate-project/ibgate/internal/keystore"
	"github.com/ibgate-project/ibgate/pkg/color"
)

const testDataDir = "/d"

// executeCommand runs root with args and returns what it printed.
func executeCommand(root *cobra.Command, args ...string) (stdout string, err error) {
	// Capture os.Stdout since CLI uses fmt.Printf directly
	oldStdout := os.Stdout
	r, w, _ := os.Pipe()
	os.Stdout = w

	root.SetArgs(args)
	err = root.Execute()

	w.Close()
	os.Stdout = oldStdout

	var buf bytes.Buffer
	io.Copy(&buf, r)
	return buf.String(), err
}

// setupTestFS points every command at an in-memory filesystem.
func setupTestFS(t *testing.T) afero.Fs {
	t.Helper()
	prev := appFS
	appFS = afero.NewMemMapFs()
	color.Disable()
	t.Cleanup(func() { appFS = prev })
	return appFS
}

// createTestRootCmd creates a fresh root command for testing
func createTestRootCmd() *cobra.Command {
	jsonOutput = false
	dbForce, dbListMax, dbLookupAt, dbEraseYes = false, 0, "", false
	cronAt = ""
	logPending, logLimit, logClearOK = false, 0, false
	doctorStrict = false

	cmd := &cobra.Command{
		Use:           "ibgate",
		Short:         "ibgate - iButton access controller",
		Long:          `ibgate drives an iButton door reader.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "output in JSON format")
	cmd.PersistentFlags().BoolVar(&noColor, "no-color", true, "disable colored output")
	cmd.PersistentFlags().StringVar(&dataDir, "data-dir", testDataDir, "data directory")
	cmd.PersistentFlags().StringVar(&logLevel, "log-level", "error", "log level")

	cmd.AddCommand(initCmd)
	cmd.AddCommand(configCmd)
	cmd.AddCommand(dbCmd)
	cmd.AddCommand(cronCmd)
	cmd.AddCommand(logCmd)
	cmd.AddCommand(statusCmd)
	cmd.AddCommand(doctorCmd)
	cmd.AddCommand(versionCmd)
	return cmd
}

// initDataDir runs "ibgate init" against the test filesystem.
func initDataDir(t *testing.T) {
	t.Helper()
	setupTestFS(t)
	_, err := executeCommand(createTestRootCmd(), "init", "front-door")
	require.NoError(t, err)
}

func TestRootCommand_Help(t *testing.T) {
	stdout, err := executeCommand(rootCmd, "--help")
	require.NoError(t, err)
	assert.Contains(t, stdout, "iButton door reader")
	for _, sub := range []string{"run", "db", "log", "cron", "doctor", "status"} {
		assert.Contains(t, stdout, sub)
	}
}

func TestRootCommand_JSONFlag(t *testing.T) {
	cmd := createTestRootCmd()
	_, err := executeCommand(cmd, "--json", "--help")
	require.NoError(t, err)
	assert.True(t, jsonOutput)
}

func TestInitCommand_CreatesDataDir(t *testing.T) {
	fs := setupTestFS(t)
	stdout, err := executeCommand(createTestRootCmd(), "init", "front-door")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Initialized ibgate data directory")
	assert.Contains(t, stdout, "front-door")

	for _, p := range []string{"/d/format_version", "/d/device_id", "/d/config.yaml", "/d/flash", "/d/nvs", "/d/log"} {
		ok, err := afero.Exists(fs, p)
		require.NoError(t, err)
		assert.True(t, ok, p)
	}
}

func TestInitCommand_JSON(t *testing.T) {
	setupTestFS(t)
	stdout, err := executeCommand(createTestRootCmd(), "--json", "init")
	require.NoError(t, err)

	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "ibgate", out["device_name"])
	assert.NotEmpty(t, out["device_id"])
	assert.EqualValues(t, 1, out["format_version"])
}

func TestConfigCommand_SetGetShow(t *testing.T) {
	initDataDir(t)

	_, err := executeCommand(createTestRootCmd(), "config", "set", "mode", "bistable")
	require.NoError(t, err)
	_, err = executeCommand(createTestRootCmd(), "config", "set", "opening_time_ms", "5000")
	require.NoError(t, err)

	stdout, err := executeCommand(createTestRootCmd(), "config", "get", "mode")
	require.NoError(t, err)
	assert.Contains(t, stdout, "bistable")

	stdout, err = executeCommand(createTestRootCmd(), "--json", "config", "show")
	require.NoError(t, err)
	var out map[string]string
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, "5000", out["opening_time_ms"])
	assert.Equal(t, "front-door", out["device_name"])
}

func TestDBCommand_AddLookupList(t *testing.T) {
	initDataDir(t)

	stdout, err := executeCommand(createTestRootCmd(), "db", "add", "01A2B3C4D5E6F701", "* 9-11 * * 1-5")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Added 01A2B3C4D5E6F701")
	_, err = executeCommand(createTestRootCmd(), "db", "add", "0x01000000000000FF")
	require.NoError(t, err)

	// 2025-01-15 is a Wednesday.
	stdout, err = executeCommand(createTestRootCmd(), "--json", "db", "lookup", "01A2B3C4D5E6F701", "--at", "2025-01-15T10:15")
	require.NoError(t, err)
	var hit map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &hit))
	assert.Equal(t, true, hit["found"])
	assert.Equal(t, true, hit["allowed"])
	assert.Equal(t, "* 9-11 * * 1-5", hit["window"])

	stdout, err = executeCommand(createTestRootCmd(), "db", "lookup", "01A2B3C4D5E6F701", "--at", "2025-01-18T10:15")
	require.NoError(t, err)
	assert.Contains(t, stdout, "outside window")

	stdout, err = executeCommand(createTestRootCmd(), "db", "list")
	require.NoError(t, err)
	assert.Equal(t, "01A2B3C4D5E6F701|* 9-11 * * 1-5\n01000000000000FF|\n", stdout)

	stdout, err = executeCommand(createTestRootCmd(), "db", "list", "--limit", "1")
	require.NoError(t, err)
	assert.Equal(t, "01A2B3C4D5E6F701|* 9-11 * * 1-5\n", stdout)
}

func TestDBCommand_ImportAndStatus(t *testing.T) {
	initDataDir(t)
	csv := "01A2B3C4D5E6F701|* 9-11 * * 1-5\n# comment\nnot-a-code|x\n01000000000000FF|\n"
	require.NoError(t, afero.WriteFile(appFS, "/feed.csv", []byte(csv), 0o644))

	stdout, err := executeCommand(createTestRootCmd(), "db", "import", "/feed.csv")
	require.NoError(t, err)
	assert.Contains(t, stdout, "Key database updated")
	assert.Contains(t, stdout, "1 invalid lines skipped")

	stdout, err = executeCommand(createTestRootCmd(), "db", "import", "/feed.csv")
	require.NoError(t, err)
	assert.Contains(t, stdout, "up to date")

	stdout, err = executeCommand(createTestRootCmd(), "--json", "db", "import", "/feed.csv", "--force")
	require.NoError(t, err)
	var res struct {
		Result keystore.SyncResult `json:"result"`
	}
	require.NoError(t, json.Unmarshal([]byte(stdout), &res))
	assert.True(t, res.Result.Rebuilt)
	assert.Equal(t, 2, res.Result.Committed)

	stdout, err = executeCommand(createTestRootCmd(), "--json", "db", "status")
	require.NoError(t, err)
	var st keystore.Status
	require.NoError(t, json.Unmarshal([]byte(stdout), &st))
	assert.Equal(t, 2, st.Records)
	assert.Equal(t, st.Checksums.Source, st.Checksums.Active)
	assert.NotZero(t, st.Checksums.Active)

	// every committed update is logged
	stdout, err = executeCommand(createTestRootCmd(), "log", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "DatabaseUpdated")
	assert.Contains(t, stdout, "records_committed=2")
}

func TestDBCommand_Erase(t *testing.T) {
	initDataDir(t)
	_, err := executeCommand(createTestRootCmd(), "db", "add", "01A2B3C4D5E6F701")
	require.NoError(t, err)

	stdout, err := executeCommand(createTestRootCmd(), "db", "erase", "--yes")
	require.NoError(t, err)
	assert.Contains(t, stdout, "erased")

	stdout, err = executeCommand(createTestRootCmd(), "db", "list")
	require.NoError(t, err)
	assert.Empty(t, stdout)
}

func TestCronCommand_Check(t *testing.T) {
	setupTestFS(t)
	stdout, err := executeCommand(createTestRootCmd(), "cron", "check", "* 9-11 * * 1-5;* 10-11 * * 6", "--at", "2025-01-18T10:30")
	require.NoError(t, err)
	assert.Contains(t, stdout, "domain 1: * 9-11 * * 1-5")
	assert.Contains(t, stdout, "domain 2: * 10-11 * * 6")
	assert.Contains(t, stdout, "inside")

	stdout, err = executeCommand(createTestRootCmd(), "--json", "cron", "check", "61,5 9 * * 1-5", "--at", "2025-01-15T09:05")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, true, out["match"])
	assert.Equal(t, "5 9 * * 1-5", out["normalized"])
	assert.Len(t, out["problems"], 1)
}

func TestCronCommand_EmptyIsAlways(t *testing.T) {
	setupTestFS(t)
	stdout, err := executeCommand(createTestRootCmd(), "cron", "check", "", "--at", "2025-01-19T03:00")
	require.NoError(t, err)
	assert.Contains(t, stdout, "window: always")
}

func TestLogCommand_VerifyAndClear(t *testing.T) {
	initDataDir(t)
	require.NoError(t, afero.WriteFile(appFS, "/feed.csv", []byte("01000000000000FF|\n"), 0o644))
	_, err := executeCommand(createTestRootCmd(), "db", "import", "/feed.csv")
	require.NoError(t, err)

	stdout, err := executeCommand(createTestRootCmd(), "log", "verify")
	require.NoError(t, err)
	assert.Contains(t, stdout, "1 records, chain intact")

	stdout, err = executeCommand(createTestRootCmd(), "--json", "log", "show", "--pending")
	require.NoError(t, err)
	var recs []map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &recs))
	require.Len(t, recs, 1)
	assert.Equal(t, "DatabaseUpdated", recs[0]["kind"])

	stdout, err = executeCommand(createTestRootCmd(), "log", "clear", "--yes")
	require.NoError(t, err)
	assert.Contains(t, stdout, "cleared")

	stdout, err = executeCommand(createTestRootCmd(), "log", "show")
	require.NoError(t, err)
	assert.Contains(t, stdout, "No records.")
}

func TestLogCommand_Export(t *testing.T) {
	initDataDir(t)
	require.NoError(t, afero.WriteFile(appFS, "/feed.csv", []byte("01000000000000FF|\n"), 0o644))
	_, err := executeCommand(createTestRootCmd(), "db", "import", "/feed.csv")
	require.NoError(t, err)

	stdout, err := executeCommand(createTestRootCmd(), "log", "export")
	require.NoError(t, err)
	lines := bytes.Split(bytes.TrimSpace([]byte(stdout)), []byte("\n"))
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal(lines[0], &rec))
	assert.NotEmpty(t, rec["record_hash"])
}

func TestStatusCommand_NotRunning(t *testing.T) {
	initDataDir(t)
	stdout, err := executeCommand(createTestRootCmd(), "status")
	require.NoError(t, err)
	assert.Contains(t, stdout, "front-door")
	assert.Contains(t, stdout, "not running")

	stdout, err = executeCommand(createTestRootCmd(), "--json", "status")
	require.NoError(t, err)
	var rep statusReport
	require.NoError(t, json.Unmarshal([]byte(stdout), &rep))
	assert.Equal(t, "free", rep.Lease)
	assert.Equal(t, keystore.LabelA, rep.Active)
	assert.Nil(t, rep.Reader)
}

func TestDoctorCommand_Healthy(t *testing.T) {
	initDataDir(t)
	stdout, err := executeCommand(createTestRootCmd(), "doctor")
	require.NoError(t, err)
	assert.Contains(t, stdout, "partition A (active)")
	assert.Contains(t, stdout, "event log:")
}

func TestDoctorCommand_StrictJSON(t *testing.T) {
	initDataDir(t)
	_, err := executeCommand(createTestRootCmd(), "db", "add", "01000000000000FF")
	require.NoError(t, err)

	stdout, err := executeCommand(createTestRootCmd(), "--json", "doctor", "--strict")
	require.NoError(t, err)
	var out map[string]any
	require.NoError(t, json.Unmarshal([]byte(stdout), &out))
	assert.Equal(t, true, out["healthy"])
	assert.NotEmpty(t, out["active_digest"])
}

func TestVersionCommand(t *testing.T) {
	stdout, err := executeCommand(createTestRootCmd(), "version")
	require.NoError(t, err)
	assert.Contains(t, stdout, "ibgate "+Version)
}

func TestOutputJSON(t *testing.T) {
	jsonOutput = false
	assert.NoError(t, outputJSON(map[string]string{"k": "v"}))
}
