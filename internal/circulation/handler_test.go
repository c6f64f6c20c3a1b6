// internal/circulation/handler_test.go
package circulation_test

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"libracirc/internal/circulation"
)

func newTestServer(t *testing.T) (*env, *httptest.Server) {
	t.Helper()
	e := newEnv(t)
	srv := httptest.NewServer(circulation.NewHandler(e.service).Routes())
	t.Cleanup(srv.Close)
	return e, srv
}

func doJSON(t *testing.T, method, url string, body any) *http.Response {
	t.Helper()

	var buf bytes.Buffer
	require.NoError(t, json.NewEncoder(&buf).Encode(body))

	req, err := http.NewRequest(method, url, &buf)
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Actor", "librarian")

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	t.Cleanup(func() { resp.Body.Close() })
	return resp
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestHandlerIssueAndReturn(t *testing.T) {
	e, srv := newTestServer(t)
	member := e.addMember("ada@example.com")
	_, copies := e.addBook("HTTP Book", 1)

	resp := doJSON(t, http.MethodPost, srv.URL+"/loans", map[string]any{
		"member_id": member.ID,
		"copy_id":   copies[0].ID,
	})
	require.Equal(t, http.StatusCreated, resp.StatusCode)

	loan := decode[circulation.Loan](t, resp)
	assert.Equal(t, circulation.LoanOpen, loan.Status)
	assert.Equal(t, member.ID, loan.MemberID)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/loans/%s/return", srv.URL, loan.ID), map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	returned := decode[circulation.Loan](t, resp)
	assert.Equal(t, circulation.LoanClosed, returned.Status)
}

func TestHandlerGetLoan(t *testing.T) {
	e, srv := newTestServer(t)
	member := e.addMember("ada@example.com")
	_, copies := e.addBook("Lookup Book", 1)

	loan, err := e.issue(member.ID, copies[0].ID)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/loans/%s", srv.URL, loan.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	got := decode[circulation.Loan](t, resp)
	assert.Equal(t, loan.ID, got.ID)
}

func TestHandlerErrorMapping(t *testing.T) {
	e, srv := newTestServer(t)
	member := e.addMember("ada@example.com")
	_, copies := e.addBook("Error Book", 1)

	t.Run("unknown member is a 400", func(t *testing.T) {
		resp := doJSON(t, http.MethodPost, srv.URL+"/loans", map[string]any{
			"member_id": uuid.New(),
			"copy_id":   copies[0].ID,
		})
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("business rejection is a 422 with a reason", func(t *testing.T) {
		_, err := e.issue(member.ID, copies[0].ID)
		require.NoError(t, err)

		other := e.addMember("other@example.com")
		resp := doJSON(t, http.MethodPost, srv.URL+"/loans", map[string]any{
			"member_id": other.ID,
			"copy_id":   copies[0].ID,
		})
		require.Equal(t, http.StatusUnprocessableEntity, resp.StatusCode)

		body := decode[map[string]string](t, resp)
		assert.Equal(t, string(circulation.ReasonCopyUnavailable), body["reason"])
	})

	t.Run("unknown loan is a 404", func(t *testing.T) {
		resp, err := http.Get(fmt.Sprintf("%s/loans/%s", srv.URL, uuid.New()))
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
	})

	t.Run("malformed id is a 400", func(t *testing.T) {
		resp, err := http.Get(srv.URL + "/loans/not-a-uuid")
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})

	t.Run("missing actor is a 400", func(t *testing.T) {
		req, err := http.NewRequest(http.MethodPost, srv.URL+"/loans", bytes.NewBufferString("{}"))
		require.NoError(t, err)

		resp, err := http.DefaultClient.Do(req)
		require.NoError(t, err)
		defer resp.Body.Close()
		assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	})
}

func TestHandlerRenewAndCancel(t *testing.T) {
	e, srv := newTestServer(t)
	member := e.addMember("ada@example.com")
	_, copies := e.addBook("Renewable Book", 1)

	loan, err := e.issue(member.ID, copies[0].ID)
	require.NoError(t, err)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/loans/%s/renew", srv.URL, loan.ID), map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	renewed := decode[circulation.Loan](t, resp)
	assert.Equal(t, 1, renewed.RenewalCount)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/loans/%s/cancel", srv.URL, loan.ID), map[string]any{
		"kind": circulation.TransactionRenew,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	restored := decode[circulation.Loan](t, resp)
	assert.Equal(t, 0, restored.RenewalCount)
}

func TestHandlerFineEndpoints(t *testing.T) {
	e, srv := newTestServer(t)
	member := e.addMember("ada@example.com")
	_, copies := e.addBook("Fined Book", 1)

	loan, err := e.issue(member.ID, copies[0].ID)
	require.NoError(t, err)

	e.advanceDays(16)
	_, err = e.service.ReturnBook(t.Context(), circulation.ReturnRequest{LoanID: loan.ID, Actor: "librarian"})
	require.NoError(t, err)

	fine := e.fineByLoan(loan.ID, circulation.FineOverdue)

	resp := doJSON(t, http.MethodPost, fmt.Sprintf("%s/fines/%s/payments", srv.URL, fine.ID), map[string]any{
		"amount": 2.50,
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	paid := decode[circulation.Fine](t, resp)
	assert.Equal(t, circulation.PaymentPartiallyPaid, paid.PaymentStatus)

	resp = doJSON(t, http.MethodPost, fmt.Sprintf("%s/fines/%s/waive", srv.URL, fine.ID), map[string]any{})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	waived := decode[circulation.Fine](t, resp)
	assert.Equal(t, circulation.PaymentWaived, waived.PaymentStatus)
}

func TestHandlerMemberSummary(t *testing.T) {
	e, srv := newTestServer(t)
	member := e.addMember("ada@example.com")
	_, copies := e.addBook("Summary Book", 1)

	_, err := e.issue(member.ID, copies[0].ID)
	require.NoError(t, err)

	resp, err := http.Get(fmt.Sprintf("%s/members/%s/summary", srv.URL, member.ID))
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)

	summary := decode[circulation.MemberSummary](t, resp)
	assert.Len(t, summary.OpenLoans, 1)
	assert.Equal(t, 1, summary.Member.BooksIssued)
}
