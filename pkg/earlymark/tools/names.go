package tools

// Name identifies a tool. The set of names is closed: Register rejects
// anything not listed here.
type Name string

const (
	LogNote              Name = "log_note"
	RecordContactDetails Name = "record_contact_details"
	AddLeadFlag          Name = "add_lead_flag"
	CheckAvailability    Name = "check_availability"
	SearchContacts       Name = "search_contacts"
	ProposeBooking       Name = "propose_booking"
	CreateTask           Name = "create_task"
	ScheduleJob          Name = "schedule_job"
	MoveDealStage        Name = "move_deal_stage"
	SendSMS              Name = "send_sms"
	SendEmail            Name = "send_email"
)

var allNames = []Name{
	LogNote,
	RecordContactDetails,
	AddLeadFlag,
	CheckAvailability,
	SearchContacts,
	ProposeBooking,
	CreateTask,
	ScheduleJob,
	MoveDealStage,
	SendSMS,
	SendEmail,
}

// Names returns every known tool name.
func Names() []Name {
	out := make([]Name, len(allNames))
	copy(out, allNames)
	return out
}

// Valid reports whether n is a known tool name.
func (n Name) Valid() bool {
	switch n {
	case LogNote, RecordContactDetails, AddLeadFlag, CheckAvailability, SearchContacts,
		ProposeBooking, CreateTask, ScheduleJob, MoveDealStage, SendSMS, SendEmail:
		return true
	}
	return false
}
