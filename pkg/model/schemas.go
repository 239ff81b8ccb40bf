package model

// Fixed extract schemas. Versions are bumped whenever a column is added,
// removed or changes kind.

var ticketStatuses = []string{
	"New", "In Progress", "Waiting Customer", "Waiting Vendor", "Escalated", "Complete", "Cancelled",
}

var ticketPriorities = []string{"Critical", "High", "Medium", "Low"}

var commentTypes = []string{"Note", "Email", "Phone", "System"}

func ticketsSchema() *EntitySchema {
	return &EntitySchema{
		Entity:     EntityTickets,
		Version:    "tickets/v3",
		PrimaryKey: "ticket_id",
		Columns: []Column{
			{Name: "ticket_id", Kind: KindIntegerID, IsPrimaryKey: true, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			{Name: "ticket_number", Kind: KindText, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.95)},
			{Name: "title", Kind: KindText, Missing: PolicyDefault, Default: "(untitled)", ExpectedFill: AtLeast(0.95)},
			{Name: "description", Kind: KindText, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.5)},
			{Name: "status", Kind: KindEnum, EnumValues: ticketStatuses, Missing: PolicyDefault, Default: "New", ExpectedFill: AtLeast(0.98)},
			{Name: "priority", Kind: KindEnum, EnumValues: ticketPriorities, Missing: PolicyDefault, Default: "Medium", ExpectedFill: AtLeast(0.9)},
			{Name: "queue", Kind: KindText, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.9)},
			{Name: "account_id", Kind: KindIntegerID, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.95)},
			{Name: "created_at", Kind: KindTimestamp, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			{Name: "resolved_at", Kind: KindTimestamp, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
			{Name: "closed_at", Kind: KindTimestamp, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
			{Name: "due_date", Kind: KindTimestamp, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0), AllowFuture: true},
			{Name: "estimated_hours", Kind: KindFloatMeasure, Missing: PolicyDefault, Default: 0.0, ExpectedFill: AtLeast(0)},
		},
		Temporal: []TemporalOrder{
			{Earlier: "created_at", Later: "resolved_at"},
			{Earlier: "resolved_at", Later: "closed_at"},
			{Earlier: "created_at", Later: "closed_at"},
		},
	}
}

func commentsSchema() *EntitySchema {
	return &EntitySchema{
		Entity:     EntityComments,
		Version:    "comments/v2",
		PrimaryKey: "comment_id",
		Columns: []Column{
			{Name: "comment_id", Kind: KindIntegerID, IsPrimaryKey: true, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			{Name: "ticket_id", Kind: KindIntegerID, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			{Name: "author_id", Kind: KindIntegerID, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.9)},
			{Name: "created_at", Kind: KindTimestamp, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			{Name: "body", Kind: KindText, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.95)},
			{Name: "comment_type", Kind: KindEnum, EnumValues: commentTypes, Missing: PolicyDefault, Default: "Note", ExpectedFill: AtLeast(0.9)},
			// Set only when a technician publishes a note to the customer portal;
			// under 1% of rows carry it and null means "not recorded", not false.
			{Name: "is_customer_visible", Kind: KindBooleanFlag, Missing: PolicyKeepNull, ExpectedFill: Range{Min: 0, Max: 0.05}},
		},
		ForeignKeys: []ForeignKey{
			{Column: "ticket_id", References: EntityTickets, ExpectedOrphans: Range{Min: 0, Max: 0.01}},
		},
	}
}

func timeEntriesSchema() *EntitySchema {
	return &EntitySchema{
		Entity:     EntityTimeEntries,
		Version:    "time_entries/v2",
		PrimaryKey: "entry_id",
		Columns: []Column{
			{Name: "entry_id", Kind: KindIntegerID, IsPrimaryKey: true, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			// Most time is logged against projects and internal work, not tickets.
			{Name: "ticket_id", Kind: KindIntegerID, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
			{Name: "resource_id", Kind: KindIntegerID, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0.95)},
			{Name: "date_worked", Kind: KindTimestamp, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.99)},
			{Name: "start_time", Kind: KindTimestamp, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
			{Name: "end_time", Kind: KindTimestamp, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
			{Name: "hours_worked", Kind: KindFloatMeasure, Critical: true, Missing: PolicyReject, ExpectedFill: AtLeast(0.98)},
			{Name: "billable", Kind: KindBooleanFlag, Missing: PolicyDefault, Default: false, ExpectedFill: AtLeast(0)},
			{Name: "summary_notes", Kind: KindText, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
			{Name: "created_at", Kind: KindTimestamp, Missing: PolicyKeepNull, ExpectedFill: AtLeast(0)},
		},
		ForeignKeys: []ForeignKey{
			{Column: "ticket_id", References: EntityTickets, ExpectedOrphans: Range{Min: 0.85, Max: 0.95}},
		},
		Temporal: []TemporalOrder{
			{Earlier: "start_time", Later: "end_time"},
		},
	}
}

// SchemaFor returns a fresh copy of the fixed schema of an entity
func SchemaFor(entity EntityType) *EntitySchema {
	switch entity {
	case EntityTickets:
		return ticketsSchema()
	case EntityComments:
		return commentsSchema()
	case EntityTimeEntries:
		return timeEntriesSchema()
	default:
		return nil
	}
}

// Schemas returns fresh copies of every fixed schema keyed by entity
func Schemas() map[EntityType]*EntitySchema {
	out := make(map[EntityType]*EntitySchema, 3)
	for _, e := range AllEntities() {
		out[e] = SchemaFor(e)
	}
	return out
}
