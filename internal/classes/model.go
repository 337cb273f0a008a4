package classes

type AssignFacultyRequest struct {
	FacultyID string `json:"facultyId" binding:"required"`
}

type EnrollRequest struct {
	StudentID string `json:"id" binding:"required"`
	Name      string `json:"name" binding:"required"`
}

// 担当割り当て（faculty_classes）
type Assignment struct {
	ClassID   string `json:"classId"`
	FacultyID string `json:"facultyId"`
}

type Student struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}
