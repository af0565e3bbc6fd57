package storage

import "github.com/chrisjsewell/fireflow/pkg/query"

// Column whitelists for user-supplied filter strings, mapping the names the
// filter language accepts to the SQL columns the listings select against.
var (
	// ClientColumns are the filterable columns of a client listing.
	ClientColumns = query.Columns{
		"pk":           "clients.pk",
		"label":        "clients.label",
		"base_url":     "clients.base_url",
		"machine_name": "clients.machine_name",
		"work_dir":     "clients.work_dir",
	}

	// CodeColumns are the filterable columns of a code listing.
	CodeColumns = query.Columns{
		"pk":        "codes.pk",
		"label":     "codes.label",
		"client_pk": "codes.client_pk",
	}

	// CalcJobColumns are the filterable columns of a calcjob listing. The
	// step and state columns come from the joined processing record.
	CalcJobColumns = query.Columns{
		"pk":      "calc_jobs.pk",
		"label":   "calc_jobs.label",
		"uuid":    "calc_jobs.uuid",
		"code_pk": "calc_jobs.code_pk",
		"step":    "processings.step",
		"state":   "processings.state",
		"job_id":  "processings.job_id",
	}
)
