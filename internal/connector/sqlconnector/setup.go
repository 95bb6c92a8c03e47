// Idempotent schema installation against the ERP's Firebird system
// catalog. Grounded on farmax_setup.py's _check_if_object_exists/
// initial_setup (RDB$GENERATORS/RDB$RELATIONS existence checks, then
// CREATE SEQUENCE / CREATE TABLE / CREATE OR ALTER TRIGGER) translated from
// SQLAlchemy Core to plain database/sql.
package sqlconnector

import (
	"context"
	"database/sql"
	"strings"

	"velidesync/internal/errkind"
)

const (
	sequenceName        = "DELIVERYLOG_ID_AUTOINCREMENT"
	logTableName         = "DELIVERYLOG"
	incrementTriggerName = "TRG_DELIVERY_LOGID_INCREMENT"
	addDeliveryTrigger   = "TRG_ADD_DELIVERY"
)

// Setup installs the change-log table, sequence, and triggers this
// connector needs to observe inserts/updates/deletes on ENTREGAS, if they
// are not already present. Safe to call on every startup.
type Setup struct {
	db *sql.DB
}

func NewSetup(db *sql.DB) *Setup {
	return &Setup{db: db}
}

func (s *Setup) objectExists(ctx context.Context, tx *sql.Tx, name, rdbTable string) (bool, error) {
	field := "RDB$RELATION_NAME"
	if rdbTable == "RDB$GENERATORS" {
		field = "RDB$GENERATOR_NAME"
	}
	query := "SELECT 1 FROM " + rdbTable + " WHERE " + field + " = ?"
	row := tx.QueryRowContext(ctx, query, strings.ToUpper(name))
	var one int
	err := row.Scan(&one)
	if err == sql.ErrNoRows {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

// Run performs the full idempotent install inside one transaction.
func (s *Setup) Run(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.Setup.Run", err)
	}
	defer tx.Rollback()

	if err := s.setupSequence(ctx, tx); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.Setup.sequence", err)
	}
	if err := s.setupLogTable(ctx, tx); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.Setup.logTable", err)
	}
	if err := s.setupIncrementTrigger(ctx, tx); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.Setup.incrementTrigger", err)
	}
	if err := s.setupDeliveryLogTrigger(ctx, tx); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.Setup.deliveryLogTrigger", err)
	}

	if err := tx.Commit(); err != nil {
		return errkind.New(errkind.Persistence, "sqlconnector.Setup.commit", err)
	}
	return nil
}

func (s *Setup) setupSequence(ctx context.Context, tx *sql.Tx) error {
	exists, err := s.objectExists(ctx, tx, sequenceName, "RDB$GENERATORS")
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, "CREATE SEQUENCE "+sequenceName)
	return err
}

func (s *Setup) setupLogTable(ctx context.Context, tx *sql.Tx) error {
	exists, err := s.objectExists(ctx, tx, logTableName, "RDB$RELATIONS")
	if err != nil || exists {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		CREATE TABLE `+logTableName+` (
			Id INTEGER PRIMARY KEY,
			CD_VENDA DOUBLE PRECISION,
			Action VARCHAR(20),
			LogDate TIMESTAMP DEFAULT CURRENT_TIMESTAMP
		)`)
	return err
}

func (s *Setup) setupIncrementTrigger(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE OR ALTER TRIGGER `+incrementTriggerName+`
		FOR `+logTableName+`
		ACTIVE BEFORE INSERT POSITION 0
		AS
		BEGIN
			NEW.Id = NEXT VALUE FOR `+sequenceName+`;
		END`)
	return err
}

func (s *Setup) setupDeliveryLogTrigger(ctx context.Context, tx *sql.Tx) error {
	_, err := tx.ExecContext(ctx, `
		CREATE OR ALTER TRIGGER `+addDeliveryTrigger+`
		FOR ENTREGAS
		ACTIVE AFTER INSERT OR UPDATE OR DELETE
		AS
		BEGIN
			IF (INSERTING) THEN
				INSERT INTO `+logTableName+` (CD_VENDA, Action) VALUES (NEW.CD_VENDA, 'INSERT');
			ELSE IF (UPDATING) THEN
				INSERT INTO `+logTableName+` (CD_VENDA, Action) VALUES (NEW.CD_VENDA, 'UPDATE');
			ELSE IF (DELETING) THEN
				INSERT INTO `+logTableName+` (CD_VENDA, Action) VALUES (OLD.CD_VENDA, 'DELETE');
		END`)
	return err
}
