package shared

// Academic module permissions.
const (
	PermStudentsView   = "students.view"
	PermStudentsEdit   = "students.edit"
	PermStudentsExport = "students.export"

	PermExamsView    = "exams.view"
	PermExamsEdit    = "exams.edit"
	PermExamsGrade   = "exams.grade"
	PermExamsPublish = "exams.publish"

	PermAttendanceView = "attendance.view"
	PermAttendanceMark = "attendance.mark"

	PermClassesView = "classes.view"
	PermClassesEdit = "classes.edit"
)

// AcademicScopes lists all permissions related to academics.
func AcademicScopes() []string {
	return []string{
		PermStudentsView,
		PermStudentsEdit,
		PermStudentsExport,
		PermExamsView,
		PermExamsEdit,
		PermExamsGrade,
		PermExamsPublish,
		PermAttendanceView,
		PermAttendanceMark,
		PermClassesView,
		PermClassesEdit,
	}
}
