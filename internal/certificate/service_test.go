package certificate

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func Test_FingerprintOf(t *testing.T) {
	var tests = map[string]struct {
		input    []byte
		expected Fingerprint
	}{
		"abc": {
			input:    []byte("abc"),
			expected: "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad",
		},
		"empty artifact": {
			input:    []byte{},
			expected: "e3b0c44298fc1c149afbf4c8996fb92427ae41e4649b934ca495991b7852b855",
		},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Equal(t, test.expected, FingerprintOf(test.input))
			assert.Equal(t, FingerprintOf(test.input), FingerprintOf(append([]byte(nil), test.input...)))
		})
	}
}

func Test_ParseFingerprint(t *testing.T) {
	const valid = "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad"
	var tests = map[string]struct {
		input       string
		expected    Fingerprint
		shouldError bool
	}{
		"lowercase":  {input: valid, expected: valid},
		"uppercase":  {input: "BA7816BF8F01CFEA414140DE5DAE2223B00361A396177A9CB410FF61F20015AD", expected: valid},
		"0x prefix":  {input: "0x" + valid, expected: valid},
		"whitespace": {input: "  " + valid + "\n", expected: valid},
		"too short":  {input: valid[:10], shouldError: true},
		"not hex":    {input: "zz" + valid[2:], shouldError: true},
		"empty":      {input: "", shouldError: true},
		"too long":   {input: valid + "00", shouldError: true},
	}
	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			fp, err := ParseFingerprint(test.input)
			if test.shouldError {
				require.ErrorIs(t, err, ErrInvalidFingerprint)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, test.expected, fp)
		})
	}
}

func TestIssueNewCertificate(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	data := []byte("certificate A")

	res, err := h.service.Issue(ctx, data, "a.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIssued, res.Outcome)
	assert.Equal(t, FingerprintOf(data), res.Fingerprint)
	assert.Equal(t, testIssuer, res.Record.IssuedTo)
	assert.Equal(t, testIssuer, res.Record.IssuedBy)
	assert.Equal(t, "cid-1", res.Archive.ContentAddress)
	assert.NoError(t, res.IndexErr)
	assert.NotEmpty(t, res.AttemptID)

	verified, err := h.service.Verify(ctx, FingerprintOf(data))
	require.NoError(t, err)
	assert.True(t, verified.Valid)
	require.NotNil(t, verified.Record)
	assert.Equal(t, res.Record, *verified.Record)

	listing, err := h.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Equal(t, "cid-1", listing[0].ContentAddress)
	assert.Equal(t, "a.pdf", listing[0].Filename)
	require.NotNil(t, listing[0].RecordedAt)
	assert.Equal(t, h.now, *listing[0].RecordedAt)

	assert.Equal(t, []string{"issued"}, h.observer.outcomes)
}

func TestIssueExplicitRecipient(t *testing.T) {
	h := newHarness()

	res, err := h.service.Issue(context.Background(), []byte("doc"), "doc.pdf", "0x00000000000000000000000000000000000000aa")
	require.NoError(t, err)
	assert.Equal(t, "0x00000000000000000000000000000000000000aa", res.Record.IssuedTo)
	assert.Equal(t, testIssuer, res.Record.IssuedBy)
}

func TestIssueTwiceReportsAlreadyIssued(t *testing.T) {
	h := newHarness()
	ctx := context.Background()
	data := []byte("certificate A")

	first, err := h.service.Issue(ctx, data, "a.pdf", "")
	require.NoError(t, err)

	second, err := h.service.Issue(ctx, data, "renamed.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeAlreadyIssued, second.Outcome)
	assert.Equal(t, first.Record, second.Record)
	assert.Empty(t, second.Archive.ContentAddress)

	assert.Equal(t, 1, h.archive.storeCalls())
	assert.Equal(t, 1, h.ledger.count())
	assert.Equal(t, "a.pdf", h.index.records[first.Fingerprint].OriginalFilename)
}

func TestIssueArchiveFailure(t *testing.T) {
	h := newHarness()
	h.archive.err = errors.New("pinata returned 500")
	ctx := context.Background()

	res, err := h.service.Issue(ctx, []byte("doc"), "doc.pdf", "")
	require.Error(t, err)
	assert.Nil(t, res)

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StateDedupChecked, issueErr.State)
	assert.Nil(t, issueErr.Archive)
	assert.ErrorIs(t, err, ErrArchiveUnavailable)
	assert.True(t, IsRetryable(err))
	assert.False(t, IsAmbiguous(err))

	assert.Equal(t, 0, h.ledger.count())
	verified, err := h.service.Verify(ctx, FingerprintOf([]byte("doc")))
	require.NoError(t, err)
	assert.False(t, verified.Valid)
}

func TestIssueLedgerUnavailable(t *testing.T) {
	h := newHarness()
	h.ledger.existsErr = errors.New("connection refused")

	_, err := h.service.Issue(context.Background(), []byte("doc"), "doc.pdf", "")
	require.Error(t, err)

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StateFingerprinted, issueErr.State)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
	assert.True(t, IsRetryable(err))
	assert.Equal(t, 0, h.archive.storeCalls())
}

func TestIssueRejectsRecipientBeforeArchiving(t *testing.T) {
	h := newHarness()
	h.ledger.rejectRecipient = "alice"

	_, err := h.service.Issue(context.Background(), []byte("doc"), "doc.pdf", "alice")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerRejected)

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StateFingerprinted, issueErr.State)
	assert.Nil(t, issueErr.Archive)
	assert.Equal(t, 0, h.archive.storeCalls())
	assert.Equal(t, 0, h.ledger.count())
}

func TestIssueLedgerTimeoutRecordsPending(t *testing.T) {
	h := newHarness()
	h.ledger.appendErr = &TxError{TxRef: "0xfeed", Err: ErrLedgerTimeout}

	_, err := h.service.Issue(context.Background(), []byte("doc"), "doc.pdf", "")
	require.Error(t, err)
	assert.True(t, IsAmbiguous(err))
	assert.False(t, IsRetryable(err))

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StateArchived, issueErr.State)
	assert.Equal(t, "0xfeed", issueErr.TxRef)
	require.NotNil(t, issueErr.Archive)
	assert.Equal(t, "cid-1", issueErr.Archive.ContentAddress)

	require.Len(t, h.pending.entries, 1)
	p := h.pending.entries[0]
	assert.Equal(t, issueErr.AttemptID, p.AttemptID)
	assert.Equal(t, FingerprintOf([]byte("doc")), p.Fingerprint)
	assert.Equal(t, "0xfeed", p.TxRef)
	assert.Equal(t, "doc.pdf", p.Filename)
	assert.Empty(t, h.index.records)
}

func TestIssueLedgerRejected(t *testing.T) {
	h := newHarness()
	h.ledger.appendErr = &TxError{TxRef: "0xbad", Err: ErrLedgerRejected}

	_, err := h.service.Issue(context.Background(), []byte("doc"), "doc.pdf", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerRejected)
	assert.False(t, IsRetryable(err))
	assert.False(t, IsAmbiguous(err))
	assert.Empty(t, h.pending.entries)
	assert.Equal(t, []string{"ledger_rejected"}, h.observer.outcomes)
}

func TestIssueLedgerAppendTransportError(t *testing.T) {
	h := newHarness()
	h.ledger.appendErr = errors.New("nonce lookup failed")

	_, err := h.service.Issue(context.Background(), []byte("doc"), "doc.pdf", "")
	require.Error(t, err)
	assert.ErrorIs(t, err, ErrLedgerUnavailable)

	var issueErr *IssueError
	require.ErrorAs(t, err, &issueErr)
	assert.Equal(t, StateArchived, issueErr.State)
	assert.NotNil(t, issueErr.Archive)
}

func TestIssueIndexFailureKeepsCertificate(t *testing.T) {
	h := newHarness()
	h.index.putErr = errors.New("disk full")
	ctx := context.Background()
	data := []byte("doc")

	res, err := h.service.Issue(ctx, data, "doc.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIssued, res.Outcome)
	assert.ErrorIs(t, res.IndexErr, ErrIndexWrite)

	verified, err := h.service.Verify(ctx, FingerprintOf(data))
	require.NoError(t, err)
	assert.True(t, verified.Valid)

	listing, err := h.service.List(ctx)
	require.NoError(t, err)
	require.Len(t, listing, 1)
	assert.Empty(t, listing[0].ContentAddress)
	assert.Empty(t, listing[0].Filename)
	assert.Nil(t, listing[0].RecordedAt)
}

func TestIssueCancelledContextStillAppends(t *testing.T) {
	h := newHarness()
	ctx, cancel := context.WithCancel(context.Background())

	var calls atomic.Int32
	h.ledger.existsHook = func() {
		if calls.Add(1) == 1 {
			cancel()
		}
	}

	res, err := h.service.Issue(ctx, []byte("doc"), "doc.pdf", "")
	require.NoError(t, err)
	assert.Equal(t, OutcomeIssued, res.Outcome)
	assert.Equal(t, 1, h.ledger.count())
}

// raceExists makes the first two Exists calls wait for each other so both
// attempts pass the dedup check before either appends.
func raceExists(l *fakeLedger) {
	var wg sync.WaitGroup
	wg.Add(2)
	var calls atomic.Int32
	l.existsHook = func() {
		if calls.Add(1) <= 2 {
			wg.Done()
			wg.Wait()
		}
	}
}

func issueConcurrently(t *testing.T, s *Service, data []byte) []*IssuanceResult {
	t.Helper()
	results := make([]*IssuanceResult, 2)
	errs := make([]error, 2)
	var wg sync.WaitGroup
	for i := range results {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			results[i], errs[i] = s.Issue(context.Background(), data, "doc.pdf", "")
		}(i)
	}
	wg.Wait()
	for _, err := range errs {
		require.NoError(t, err)
	}
	return results
}

func TestConcurrentIssueWithUniqueLedger(t *testing.T) {
	h := newHarness()
	h.ledger.enforceUnique = true
	raceExists(h.ledger)

	results := issueConcurrently(t, h.service, []byte("doc"))

	outcomes := map[Outcome]int{}
	for _, res := range results {
		outcomes[res.Outcome]++
	}
	assert.Equal(t, map[Outcome]int{OutcomeIssued: 1, OutcomeAlreadyIssued: 1}, outcomes)
	assert.Equal(t, 1, h.ledger.count())
	assert.Equal(t, 2, h.archive.storeCalls())

	for _, res := range results {
		if res.Outcome == OutcomeAlreadyIssued {
			assert.NotEmpty(t, res.Archive.ContentAddress, "orphaned archive entry is reported")
		}
	}
}

func TestConcurrentIssueWithoutUniqueness(t *testing.T) {
	h := newHarness()
	raceExists(h.ledger)
	ctx := context.Background()

	results := issueConcurrently(t, h.service, []byte("doc"))
	for _, res := range results {
		assert.Equal(t, OutcomeIssued, res.Outcome)
	}
	assert.Equal(t, 2, h.ledger.count())

	listing, err := h.service.List(ctx)
	require.NoError(t, err)
	assert.Len(t, listing, 1)

	dups, err := h.service.FindDuplicates(ctx)
	require.NoError(t, err)
	assert.Equal(t, []Fingerprint{FingerprintOf([]byte("doc"))}, dups)
}

func TestVerifyRevokedRecord(t *testing.T) {
	h := newHarness()
	fp := FingerprintOf([]byte("doc"))
	h.ledger.setRecord(LedgerRecord{Fingerprint: fp, IssuedTo: testIssuer, IssuedBy: testIssuer, Timestamp: 10, Revoked: true})

	res, err := h.service.Verify(context.Background(), fp)
	require.NoError(t, err)
	assert.False(t, res.Valid)
	require.NotNil(t, res.Record)
	assert.True(t, res.Record.Revoked)
}

func TestVerifyLedgerUnavailable(t *testing.T) {
	h := newHarness()
	h.ledger.existsErr = errors.New("timeout")

	_, err := h.service.Verify(context.Background(), FingerprintOf([]byte("doc")))
	assert.ErrorIs(t, err, ErrLedgerUnavailable)
}

func TestArchiveOnly(t *testing.T) {
	h := newHarness()

	entry, err := h.service.Archive(context.Background(), "doc.pdf", []byte("doc"))
	require.NoError(t, err)
	assert.Equal(t, "cid-1", entry.ContentAddress)
	assert.Equal(t, 0, h.ledger.count())
	assert.Empty(t, h.index.records)

	h.archive.err = errors.New("down")
	_, err = h.service.Archive(context.Background(), "doc.pdf", []byte("doc"))
	assert.ErrorIs(t, err, ErrArchiveUnavailable)
}
