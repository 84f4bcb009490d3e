package hours

import "time"

// Anniversary returns the contract anniversary in the given year. A contract
// that started on February 29 has its anniversary on February 28 in years
// without a leap day.
func Anniversary(contractStart time.Time, year int) time.Time {
	month, day := contractStart.Month(), contractStart.Day()
	if month == time.February && day == 29 && !isLeapYear(year) {
		day = 28
	}
	return time.Date(year, month, day, 0, 0, 0, 0, localLocation)
}

// ContractYearStart returns the first day of the contract year containing now.
// Without a contract start date the calendar year is used.
func ContractYearStart(contractStart *time.Time, now time.Time) time.Time {
	l := Local(now)
	if contractStart == nil || contractStart.IsZero() {
		return time.Date(l.Year(), time.January, 1, 0, 0, 0, 0, localLocation)
	}

	anniversary := Anniversary(*contractStart, l.Year())
	if !Midnight(l).Before(anniversary) {
		return anniversary
	}
	return Anniversary(*contractStart, l.Year()-1)
}

func isLeapYear(year int) bool {
	return year%4 == 0 && (year%100 != 0 || year%400 == 0)
}
