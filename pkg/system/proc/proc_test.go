//go:build linux

package proc

import (
	"os"
	"testing"
	"time"

	"github.com/ja7ad/cpulimit/pkg/system/proc/proctest"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockTicks(t *testing.T) {
	t.Setenv("CLK_TCK", "")
	assert.Greater(t, ClockTicks(), 0, "ClockTicks must be > 0")

	t.Setenv("CLK_TCK", "250")
	assert.Equal(t, 250, ClockTicks())
}

func TestCheckMounted(t *testing.T) {
	t.Run("real_proc", func(t *testing.T) {
		if err := CheckMounted(DefaultRoot); err != nil {
			t.Skipf("skipping: /proc not mounted here: %v", err)
		}
	})
	t.Run("plain_directory", func(t *testing.T) {
		err := CheckMounted(t.TempDir())
		require.Error(t, err)
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})
	t.Run("missing", func(t *testing.T) {
		err := CheckMounted("/nonexistent/proc")
		assert.ErrorIs(t, err, ErrSourceUnavailable)
	})
}

func TestExistsAndAlive(t *testing.T) {
	me := os.Getpid()
	assert.True(t, Exists(DefaultRoot, me), "current PID should exist")
	assert.True(t, Alive(DefaultRoot, me))
	assert.False(t, Exists(DefaultRoot, 99999999), "very large PID should not exist")
	assert.False(t, Alive(DefaultRoot, 99999999))

	tree := proctest.New(t)
	tree.Add(proctest.Entry{PID: 10, PPID: 1, Args: []string{"zombie"}, State: 'Z'})
	assert.True(t, Exists(tree.Root, 10))
	assert.False(t, Alive(tree.Root, 10), "zombies are not alive")
}

func TestReadStat_Self(t *testing.T) {
	me := os.Getpid()
	st, err := ReadStat(DefaultRoot, me)
	require.NoError(t, err)
	assert.Equal(t, me, st.PID)
	assert.Equal(t, os.Getppid(), st.PPID)
	assert.NotZero(t, st.State)

	// counters do not go backwards
	time.Sleep(5 * time.Millisecond)
	st2, err := ReadStat(DefaultRoot, me)
	require.NoError(t, err)
	assert.GreaterOrEqual(t, st2.UTime, st.UTime)
	assert.GreaterOrEqual(t, st2.STime, st.STime)
	assert.Equal(t, st.StartTime, st2.StartTime)
}

func TestReadStat_NoSuchPid(t *testing.T) {
	_, err := ReadStat(DefaultRoot, 99999999)
	require.Error(t, err)
}

func TestParseStat(t *testing.T) {
	t.Run("comm_with_spaces_and_parens", func(t *testing.T) {
		line := "42 (we ird) (x)) R 7 0 0 0 0 0 0 0 0 0 0 150 50 0 0 20 0 1 0 9000 0 0\n"
		st, err := parseStat(line)
		require.NoError(t, err)
		assert.Equal(t, 42, st.PID)
		assert.Equal(t, "we ird) (x)", st.Comm)
		assert.Equal(t, byte('R'), st.State)
		assert.Equal(t, 7, st.PPID)
		assert.Equal(t, uint64(150), st.UTime)
		assert.Equal(t, uint64(50), st.STime)
		assert.Equal(t, uint64(9000), st.StartTime)
	})
	t.Run("short", func(t *testing.T) {
		_, err := parseStat("1 (init) S 0 0 0")
		assert.ErrorIs(t, err, ErrShortStat)
	})
	t.Run("garbage", func(t *testing.T) {
		_, err := parseStat("")
		assert.ErrorIs(t, err, ErrNoStat)
		_, err = parseStat("x (init) S 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0")
		assert.ErrorIs(t, err, ErrNoStat)
	})
	t.Run("bad_ppid", func(t *testing.T) {
		_, err := parseStat("1 (init) S x 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0 0")
		assert.ErrorIs(t, err, ErrNoStat)
	})
}

func TestReadUIDAndCmdline(t *testing.T) {
	tree := proctest.New(t)
	tree.Add(proctest.Entry{PID: 5, PPID: 1, UID: 1000, Args: []string{"/usr/bin/python3", "/usr/bin/py-spy", "top"}})
	tree.Add(proctest.Entry{PID: 6, PPID: 2, Comm: "kworker/0:1"})

	uid, err := ReadUID(tree.Root, 5)
	require.NoError(t, err)
	assert.Equal(t, uint32(1000), uid)

	cmd, err := ReadCmdline(tree.Root, 5)
	require.NoError(t, err)
	assert.Equal(t, "/usr/bin/python3 /usr/bin/py-spy top", cmd)

	cmd, err = ReadCmdline(tree.Root, 6)
	require.NoError(t, err)
	assert.Empty(t, cmd, "kernel threads have an empty cmdline")

	_, err = ReadUID(tree.Root, 7)
	require.Error(t, err)
}

func TestReadUID_Self(t *testing.T) {
	uid, err := ReadUID(DefaultRoot, os.Getpid())
	require.NoError(t, err)
	assert.Equal(t, uint32(os.Getuid()), uid)
}
