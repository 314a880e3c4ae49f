package tapasco

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestJobSetArgUnknownJobID(t *testing.T) {
	fd, _ := newCounterFakeDevice(t)
	job := fd.Job(99999)
	err := job.SetArg(0, 1, 4)
	require.Error(t, err)
	assert.True(t, IsCode(err, JobIdNotFound))
}

func TestJobSetArgTransferGlobal(t *testing.T) {
	fd, kernelID := newCounterFakeDevice(t)
	fd.SetBehavior(kernelID, func(args []uint64) uint64 { return args[0] })

	jobID, err := fd.AcquireJobID(kernelID)
	require.NoError(t, err)
	defer fd.ReleaseJobID(jobID)

	job := fd.Job(jobID)
	host := []byte{1, 2, 3, 4}
	require.NoError(t, job.SetArgTransfer(0, host, uint64(len(host)), PlacementGlobal, DirectionTo))
	require.NoError(t, job.Launch(true))
}

func TestJobSetArgTransferPeLocal(t *testing.T) {
	fd, err := NewFakeDevice([]FakeSlotSpec{
		{KernelID: 3, Vlnv: "esa:tapasco:scratch:1.0", LocalMemSize: 0x4000},
	})
	require.NoError(t, err)
	defer fd.Close()
	fd.SetBehavior(3, func(args []uint64) uint64 { return args[0] })

	jobID, err := fd.AcquireJobID(3)
	require.NoError(t, err)
	defer fd.ReleaseJobID(jobID)

	job := fd.Job(jobID)
	host := make([]byte, 256)
	require.NoError(t, job.SetArgTransfer(0, host, uint64(len(host)), PlacementPeLocal, DirectionBoth))
	require.NoError(t, job.Launch(true))
}

func TestJobLaunchTwiceIsWrongState(t *testing.T) {
	fd, kernelID := newCounterFakeDevice(t)

	jobID, err := fd.AcquireJobID(kernelID)
	require.NoError(t, err)
	defer fd.ReleaseJobID(jobID)

	job := fd.Job(jobID)
	require.NoError(t, job.Launch(true))

	err = job.Launch(true)
	require.Error(t, err)
	assert.True(t, IsCode(err, WrongState))
}

func TestJobID(t *testing.T) {
	fd, kernelID := newCounterFakeDevice(t)
	jobID, err := fd.AcquireJobID(kernelID)
	require.NoError(t, err)
	defer fd.ReleaseJobID(jobID)

	job := fd.Job(jobID)
	assert.Equal(t, jobID, job.ID())
}
