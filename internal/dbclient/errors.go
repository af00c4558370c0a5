package dbclient

import (
	"context"
	"database/sql/driver"
	"errors"
	"io"
	"net"
	"strconv"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"

	"querydesk/internal/domain"
)

// ClassifyError maps a driver error onto the domain taxonomy. Errors that
// already carry a kind pass through unchanged.
func ClassifyError(err error) error {
	if err == nil {
		return nil
	}
	var de *domain.Error
	if errors.As(err, &de) {
		return err
	}

	switch {
	case errors.Is(err, context.DeadlineExceeded):
		return &domain.Error{Kind: domain.KindTimeout, Message: "operation timed out", Err: err}
	case errors.Is(err, context.Canceled):
		return &domain.Error{Kind: domain.KindCancelled, Message: "operation cancelled", Err: err}
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return classifyMySQL(myErr)
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return classifySQLState(pgErr.Code, pgErr.Message, err)
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return classifySQLState(string(pqErr.Code), pqErr.Message, err)
	}

	var connectErr *pgconn.ConnectError
	if errors.As(err, &connectErr) {
		return &domain.Error{Kind: domain.KindNetwork, Message: err.Error(), Err: err}
	}
	if errors.Is(err, mysql.ErrInvalidConn) || errors.Is(err, driver.ErrBadConn) ||
		errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return &domain.Error{Kind: domain.KindNetwork, Message: err.Error(), Err: err}
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		if netErr.Timeout() {
			return &domain.Error{Kind: domain.KindTimeout, Message: err.Error(), Err: err}
		}
		return &domain.Error{Kind: domain.KindNetwork, Message: err.Error(), Err: err}
	}
	// lib/pq reports a refused dial as a plain error string in some paths.
	if strings.Contains(err.Error(), "connection refused") {
		return &domain.Error{Kind: domain.KindNetwork, Message: err.Error(), Err: err}
	}
	return &domain.Error{Kind: domain.KindServer, Message: err.Error(), Err: err}
}

func classifyMySQL(e *mysql.MySQLError) error {
	code := strconv.Itoa(int(e.Number))
	switch e.Number {
	case 1044, 1045, 1698, 1251:
		return &domain.Error{Kind: domain.KindAuth, Code: code, Message: e.Message, Err: e}
	case 1317: // ER_QUERY_INTERRUPTED
		return &domain.Error{Kind: domain.KindCancelled, Code: code, Message: e.Message, Err: e}
	case 3024: // ER_QUERY_TIMEOUT
		return &domain.Error{Kind: domain.KindTimeout, Code: code, Message: e.Message, Err: e}
	}
	return &domain.Error{Kind: domain.KindServer, Code: code, Message: e.Message, Err: e}
}

// classifySQLState handles Postgres SQLSTATE codes from either driver.
func classifySQLState(code, msg string, err error) error {
	switch {
	case strings.HasPrefix(code, "28"): // invalid authorization specification
		return &domain.Error{Kind: domain.KindAuth, Code: code, Message: msg, Err: err}
	case code == "57014": // query_canceled
		return &domain.Error{Kind: domain.KindCancelled, Code: code, Message: msg, Err: err}
	case strings.HasPrefix(code, "08"), code == "57P01": // connection exception, admin shutdown
		return &domain.Error{Kind: domain.KindNetwork, Code: code, Message: msg, Err: err}
	}
	return &domain.Error{Kind: domain.KindServer, Code: code, Message: msg, Err: err}
}
