// Package testfixture builds realistic helpdesk extracts for tests.
package testfixture

import (
	"encoding/csv"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/David-Botos/quality-ingress/pkg/model"
)

// Options sizes a generated delivery
type Options struct {
	Tickets     int
	Comments    int
	TimeEntries int
	// TimeEntryOrphanRate is the share of time entries without a ticket
	TimeEntryOrphanRate float64
	Start               time.Time
}

// DefaultOptions is a small healthy delivery
func DefaultOptions() Options {
	return Options{
		Tickets:             100,
		Comments:            300,
		TimeEntries:         200,
		TimeEntryOrphanRate: 0.9,
		Start:               time.Date(2024, 1, 2, 9, 0, 0, 0, time.UTC),
	}
}

const sqlLayout = "2006-01-02 15:04:05"

var (
	statuses   = []string{"New", "In Progress", "Complete", "Waiting Customer", "Complete"}
	priorities = []string{"High", "Medium", "Low", "Medium"}
	queues     = []string{"Service Desk", "Network", "Projects"}
	types      = []string{"Note", "Email", "Note", "Phone"}
)

// Extracts generates a clean delivery whose values are raw strings, the way
// they arrive in CSV files
func Extracts(opts Options) model.ExtractSet {
	schemas := model.Schemas()
	set := model.ExtractSet{
		model.EntityTickets:     newExtract(schemas[model.EntityTickets]),
		model.EntityComments:    newExtract(schemas[model.EntityComments]),
		model.EntityTimeEntries: newExtract(schemas[model.EntityTimeEntries]),
	}

	for i := 1; i <= opts.Tickets; i++ {
		created := opts.Start.Add(time.Duration(i) * time.Hour)
		row := model.Row{
			"ticket_id":       strconv.Itoa(i),
			"ticket_number":   fmt.Sprintf("T%06d", i),
			"title":           fmt.Sprintf("Ticket %d", i),
			"description":     "User reports an issue",
			"status":          statuses[i%len(statuses)],
			"priority":        priorities[i%len(priorities)],
			"queue":           queues[i%len(queues)],
			"account_id":      strconv.Itoa(100 + i%7),
			"created_at":      created.Format(sqlLayout),
			"resolved_at":     nil,
			"closed_at":       nil,
			"due_date":        created.Add(7 * 24 * time.Hour).Format(sqlLayout),
			"estimated_hours": "1.5",
		}
		if i%2 == 0 {
			row["resolved_at"] = created.Add(24 * time.Hour).Format(sqlLayout)
			row["closed_at"] = created.Add(48 * time.Hour).Format(sqlLayout)
		}
		set[model.EntityTickets].Rows = append(set[model.EntityTickets].Rows, row)
	}

	for i := 1; i <= opts.Comments; i++ {
		ticket := 1
		if opts.Tickets > 0 {
			ticket = (i-1)%opts.Tickets + 1
		}
		row := model.Row{
			"comment_id":          strconv.Itoa(i),
			"ticket_id":           strconv.Itoa(ticket),
			"author_id":           strconv.Itoa(500 + i%11),
			"created_at":          opts.Start.Add(time.Duration(i) * time.Minute).Format(sqlLayout),
			"body":                fmt.Sprintf("Update %d on the ticket", i),
			"comment_type":        types[i%len(types)],
			"is_customer_visible": nil,
		}
		set[model.EntityComments].Rows = append(set[model.EntityComments].Rows, row)
	}

	orphans := int(math.Round(opts.TimeEntryOrphanRate * float64(opts.TimeEntries)))
	for i := 1; i <= opts.TimeEntries; i++ {
		worked := opts.Start.Add(time.Duration(i) * 3 * time.Hour)
		row := model.Row{
			"entry_id":      strconv.Itoa(i),
			"ticket_id":     nil,
			"resource_id":   strconv.Itoa(900 + i%5),
			"date_worked":   worked.Format("2006-01-02"),
			"start_time":    worked.Format(sqlLayout),
			"end_time":      worked.Add(2 * time.Hour).Format(sqlLayout),
			"hours_worked":  "2",
			"billable":      "true",
			"summary_notes": "Project work",
			"created_at":    worked.Add(3 * time.Hour).Format(sqlLayout),
		}
		if i > orphans && opts.Tickets > 0 {
			row["ticket_id"] = strconv.Itoa((i-1)%opts.Tickets + 1)
		}
		set[model.EntityTimeEntries].Rows = append(set[model.EntityTimeEntries].Rows, row)
	}

	for _, ex := range set {
		ex.Checksum = model.RowChecksum(ex.Schema, ex.Rows)
	}
	return set
}

func newExtract(schema *model.EntitySchema) *model.SourceExtract {
	return &model.SourceExtract{
		Entity:  schema.Entity,
		Schema:  schema,
		Columns: schema.ColumnNames(),
		Origin:  "fixture",
	}
}

// Set overwrites one value and refreshes the extract checksum
func Set(set model.ExtractSet, entity model.EntityType, rowIndex int, column string, value interface{}) {
	ex := set[entity]
	ex.Rows[rowIndex][column] = value
	ex.Checksum = model.RowChecksum(ex.Schema, ex.Rows)
}

// WriteCSV writes the delivery as the three CSV files a DirLoader reads
func WriteCSV(dir string, set model.ExtractSet) error {
	for entity, ex := range set {
		f, err := os.Create(filepath.Join(dir, string(entity)+".csv"))
		if err != nil {
			return err
		}
		w := csv.NewWriter(f)
		if err := w.Write(ex.Columns); err != nil {
			f.Close()
			return err
		}
		for _, row := range ex.Rows {
			record := make([]string, len(ex.Columns))
			for i, c := range ex.Columns {
				record[i] = model.ToString(row[c])
			}
			if err := w.Write(record); err != nil {
				f.Close()
				return err
			}
		}
		w.Flush()
		if err := w.Error(); err != nil {
			f.Close()
			return err
		}
		if err := f.Close(); err != nil {
			return err
		}
	}
	return nil
}
